// Package hvwire defines the VMBus wire format: message types, the packed
// structs exchanged with the host over SynIC message slots and hypercalls,
// and the ring-buffer header layout shared with the host. Everything in
// this package is a contract with the host side — field order, field size
// and struct size must match exactly, so every struct is fixed-width and
// round-trips through encoding/binary rather than relying on the Go
// compiler's struct layout.
package hvwire
