/*
Package syncer keeps the replicated document in sync with its two sources: the watched directory
and the API.

All mutations are funneled through a lock-free command queue (see util.CommandQueue) and applied
by a single writer goroutine. This gives every mutation a well defined commit order, so
interleaved add/change/unlink events and concurrent API calls can never produce two live entries
for the same key. The last committed write of a key wins.

Keys are derived from the source of a submission:

	file:<absolute path>   entries read from the watched directory
	api:<id>               entries submitted via the API

Every committed mutation is delivered exactly once, in commit order, to all subscribers
(see Engine.Subscribe). Failed mutations produce no notification.
*/
package syncer
