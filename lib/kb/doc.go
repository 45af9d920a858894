/*
Package kb derives a queryable Prolog knowledge base from the replicated document.

The Rebuilder subscribes to the changes of the sync engine. Changes are debounced: a build starts
once no change arrived for the debounce period, but at the latest MaxWait after the first pending
change. A build takes a snapshot of the document, extracts the source of every entry with an
expression (default payload.prolog), concatenates the sources in document order and loads them
into a fresh executor. On success the new artifact replaces the active one atomically, on failure
the previous artifact stays active (stale) and queries keep working against it.

Entries without source are skipped. Entries whose source is rejected by the executor's syntax
check are excluded, so a single malformed entry does not break the knowledge base.

Queries never wait for a build, they always use the artifact that is active when they start.
*/
package kb
