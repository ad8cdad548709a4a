/*
Package search is a full text index over document names and content.

The index is kept in memory and fed asynchronously: writers call Index or
Remove with a document id, a single goroutine started with Run fetches the
current text and updates the postings. Fetches that fail with IOFailure are
retried with exponential backoff; an update that still fails is dropped and
picked up again by the next write of the document.

Permissions are not stored in the index. Every query filters its candidates
through an AccessChecker, so revoking a grant hides the document from the
next query without touching the index.
*/
package search
