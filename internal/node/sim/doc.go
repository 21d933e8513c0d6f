// Package sim provides an in-memory espnode device driver for development
// and tests.
//
// The driver registers itself as "sim" on import:
//
//	import _ "github.com/nerrad567/gray-logic-espnode/internal/node/sim"
//
// Devices are registered by host name with Add (tests build them with New),
// and a canned demo device is provisioned automatically for any host
// starting with "demo". Everything else behaves like a refused connection.
//
// A Device is live: pushed states fan out to all open connections, dropped
// connections close their streams exactly like a network failure, and
// credential checks return the same classified errors a real transport
// would, so the session's re-authentication path can be exercised without
// hardware.
package sim
