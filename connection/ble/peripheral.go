// Package ble implements the direct Bluetooth Low Energy link to the boat
// device. The radio itself sits behind Central so the link logic runs against
// any GATT stack, or against an in-memory peripheral in tests.
package ble

import "context"

// GATT identifiers of the anchor monitor service.
const (
	ServiceUUID   = "9f2d0000-87aa-4f4a-a0ea-4d5d4f415354"
	ControlTxUUID = "9f2d0001-87aa-4f4a-a0ea-4d5d4f415354"
	EventRxUUID   = "9f2d0002-87aa-4f4a-a0ea-4d5d4f415354"
	SnapshotUUID  = "9f2d0003-87aa-4f4a-a0ea-4d5d4f415354"
	AuthUUID      = "9f2d0004-87aa-4f4a-a0ea-4d5d4f415354"
)

// Central discovers and connects to a peripheral exposing ServiceUUID.
type Central interface {
	Connect(ctx context.Context) (Peripheral, error)
}

// Peripheral is one connected GATT server.
type Peripheral interface {
	Name() string
	Write(ctx context.Context, uuid string, data []byte) error
	Read(ctx context.Context, uuid string) ([]byte, error)
	// Subscribe delivers notifications of uuid to fn.
	Subscribe(uuid string, fn func([]byte)) error
	// Disconnected is closed when the radio link drops.
	Disconnected() <-chan struct{}
	Close() error
}
