// package controller keeps a single local controller instance running on a
// container engine host.
//
// Every start is a full reset: any previous instance with the well-known name
// is stopped and removed, the latest image is pulled, and a fresh detached
// instance is created. The new instance receives the host engine socket, so
// it can manage sibling containers, and a host directory that survives
// restarts.
package controller
