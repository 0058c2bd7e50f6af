// Package bundling batches completed work items into combined pull requests.
//
// A bundling pass collects every item carrying the review label, cherry-picks
// each item's commits onto a fresh bundle branch, and opens one pull request
// for the clean picks. Items whose picks conflict fall back to individual
// pull requests from their own branches; one conflicting item never blocks
// the rest of the batch. Unblocker items skip bundling entirely and always
// ship individually, ahead of everything else.
//
// Every item ends a pass in exactly one place: the bundle PR, an individual
// PR, deferred to the next pass, or failed with a comment on the issue.
package bundling
