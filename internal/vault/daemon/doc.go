// Package daemon runs commit passes in the background.
//
// A Scheduler drains pending changes of a Committer, normally a
// store.RecordStoreTable, when one of its triggers fires:
//
//   - Timer: every Config.Interval.
//   - Network: when Config.Connectivity goes from offline to online.
//   - File: when a record's change ledger folder is written, after
//     Config.DebounceInterval of quiet. Only folder-backed stores can be
//     watched; see ChangeDirs.
//   - Manual: Trigger(ReasonManual).
//
// Passes never overlap and are skipped while offline or when nothing is
// pending. Ledger writes made by a pass itself (attempt counters, removals)
// do not trigger another pass.
//
//	sched, err := daemon.NewWithConfig(table, &daemon.Config{
//	    Interval:         time.Minute,
//	    DebounceInterval: 500 * time.Millisecond,
//	    WatchDirs:        daemon.ChangeDirs(dataDir, table.Records()),
//	    Logger:           logger,
//	})
//	if err != nil {
//	    return err
//	}
//	return sched.Start(ctx)
package daemon
