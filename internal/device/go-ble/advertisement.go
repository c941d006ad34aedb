package goble

import (
	"github.com/go-ble/ble"
	"github.com/srg/gattlink/internal/device"
)

// newAdvertisement copies a go-ble advertisement into the session model.
// Overflow services are merged into the service list.
func newAdvertisement(adv ble.Advertisement) device.Advertisement {
	out := device.Advertisement{
		LocalName:    adv.LocalName(),
		TxPowerLevel: adv.TxPowerLevel(),
		Connectable:  adv.Connectable(),
	}
	if md := adv.ManufacturerData(); len(md) > 0 {
		out.ManufacturerData = append([]byte(nil), md...)
	}
	for _, sd := range adv.ServiceData() {
		out.ServiceData = append(out.ServiceData, device.ServiceData{
			UUID: sd.UUID,
			Data: append([]byte(nil), sd.Data...),
		})
	}
	out.Services = append(out.Services, adv.Services()...)
	out.Services = append(out.Services, adv.OverflowService()...)
	return out
}

// advertisesAny reports whether adv lists a service in filter. An empty filter matches everything.
func advertisesAny(filter []ble.UUID, adv ble.Advertisement) bool {
	if len(filter) == 0 {
		return true
	}
	for _, u := range adv.Services() {
		if ble.Contains(filter, u) {
			return true
		}
	}
	for _, u := range adv.OverflowService() {
		if ble.Contains(filter, u) {
			return true
		}
	}
	return false
}
