// Package catalog holds document metadata, the folder hierarchy and access
// control for one shard.
//
// Permissions come from ownership and explicit ACL entries on a document.
// Folders do not pass their ACL down to their children. Agent scopes, read
// through an injected ScopeConfig, restrict what an agent acting for a user
// can reach to configured folder subtrees.
package catalog
