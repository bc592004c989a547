// Package timeutil provides SerializableTimer, a replacement for time.AfterFunc whose state
// can be snapshotted and restored, so long-lived session timers (expiration, retransmission)
// can travel with session replication payloads.
//
// A timer is either one-shot ([AfterFunc]) or repeating ([Every]). Snapshots carry only
// deterministic timing metadata; callbacks are runtime-only and are passed again to
// [RestoreTimer]:
//
//	timer := timeutil.AfterFunc(3*time.Minute, onExpire)
//	data, _ := json.Marshal(timer.Snapshot())
//
//	var snap timeutil.TimerSnapshot
//	_ = json.Unmarshal(data, &snap)
//	restored := timeutil.RestoreTimer(&snap, onExpire)
//
// All timer operations are safe for concurrent use.
package timeutil
