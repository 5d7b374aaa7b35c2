// Package clients implements the HTTP clients for the external
// collaborators of the capabilities manager: the security manager (service
// token minting), the engineer (plugin synthesis), and the librarian
// (persistent configuration and plugin metadata listing).
//
// Core components never depend on these concrete types; they consume narrow
// interfaces declared on their side and the application wires these clients
// in at startup.
package clients
