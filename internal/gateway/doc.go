// Package gateway is the websocket edge between browser contexts and the
// coordinator.
//
// Three kinds of connection exist:
//
//   - tab: a frame inside a browser tab (/ws/tab). Its commands carry a
//     protocol.TabSource and it receives tab pushes for its tab id.
//   - page: an extension page such as the popup (/ws/page). Its commands carry
//     a protocol.OtherSource and it receives runtime pushes.
//   - shell: the browser shim (/ws/shell). It executes host operations
//     (badge, icon, notifications, new tabs) and reports notification
//     clicks and closes.
//
// Commands are handed to the dispatcher in arrival order. A reply frame is
// written only when the command produced one and the sender supplied an id.
//
// When no shell is connected the gateway keeps the badge and icon state
// itself, logs notifications, and opens tabs in the system browser.
package gateway
