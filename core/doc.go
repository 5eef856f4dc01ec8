// Package core provides the foundational domain types and contracts shared by
// every guardianmesh component:
//
//   - Entry, Category and Confidence (the unit of stored knowledge)
//   - StorageBackend (the persistence contract all backends satisfy)
//   - Rank / Terms (the keyword ranking every backend shares)
//   - ValidationError, CapacityError, NotFoundError, ConnectivityError
//   - Dispatcher (listener registration for advisory notifications)
//
// Implementation concerns such as files, SQL or HTTP stay out of this
// package; they live in backend/ and only depend on the small interfaces
// defined here.
package core
