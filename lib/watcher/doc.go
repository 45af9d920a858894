/*
Package watcher turns a directory of JSON files into a stream of file events.

The watcher observes a single directory (non-recursive) and reports regular files whose name ends
with the configured suffix. Two modes are supported:

  - notify: kernel notifications via fsnotify
  - poll:   periodic directory scans (useful on network filesystems and in containers)

In both modes a created or modified file is only read once its size and modification time did not
change for the stability threshold, so half-written files are never parsed. Files that can not be
read or parsed are logged and skipped. Removed files are reported as unlink events if deletion sync
is enabled.

Example:

	w := watcher.New(watcher.Config{Dir: "./watched_json_files"}, func(ctx context.Context, ev watcher.FileEvent) {
		fmt.Println(ev.Action, ev.Path)
	})
	if err := w.Start(ctx); err != nil {
		return err
	}
	defer w.Stop()
*/
package watcher
