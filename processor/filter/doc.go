// Package filter decides per device whether a reading is forwarded.
//
// A Filter is created per measurement definition. It keeps the last accepted reading of every
// device it has seen and forwards a new reading when
//
//   - the device is new ("first"),
//   - max_interval has elapsed since the baseline ("max_interval"), or
//   - every configured delta threshold is met (reason is the last delta field checked).
//
// Changes larger than maxchange are treated as glitches and suppressed up to maxcount
// times; the glitch value becomes the comparison base so a sustained jump is not flagged
// again on every sample.
//
// Refresh re-emits the last accepted reading of quiet devices ("lastdata:<n>") and drops a
// device after write_lastdata_cnt refreshes so it starts over with "first". Evaluate and
// Refresh share one mutex.
package filter
