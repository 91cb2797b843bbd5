package scenewire

// Logging convention in the `scenewire` package:
// Info:
//     essential events for abnormal behavior. This level should be silent on
//     normal operation, with the exception of one time (infrequent)
//     initialization data that is useful for monitoring
//     this includes:
//     - queue overflow disconnects and connectivity timeouts
//     - abnormal session exits
// Warning:
//     unexpected panics even if handled and suppressed for partial operation,
//     e.g. a control callback that raised
// glog.V(2):
//     key events for trace debugging
//     this includes:
//     - per-frame send/receive events tagged with session ids
//
// tags: [s]erver, [ss]session send, [sr]session receive, [b]roadcast,
// [g]ui dispatch, [c]lient
