// Package discovery browses the local network for espnode advertisements.
//
// Espnode devices announce themselves over mDNS as "_esphomelib._tcp"
// instances carrying their MAC, firmware version and board in TXT records.
// The browser runs continuously in the background and keeps an in-memory
// cache of everything it has seen, which serves two consumers:
//
//   - The bridge answers "discover" requests and the HTTP discovery
//     endpoint from the cached instances, flagging the ones that are
//     already configured.
//   - Sessions dialling a node configured with a ".local" hostname resolve
//     it through the same cache, so a device that moved to a new DHCP
//     lease is found without touching the OS resolver.
//
// Answers for one instance arriving on several network interfaces merge
// their addresses; a withdrawal removes only the addresses that interface
// contributed, and the instance disappears once none remain.
package discovery
