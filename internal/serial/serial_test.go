package serial

import "testing"

func TestPortInfo_Bridge(t *testing.T) {
	tests := []struct {
		name string
		info PortInfo
		want bool
	}{
		{"pico", PortInfo{IsUSB: true, VID: "2e8a", PID: "000a"}, true},
		{"ch340 upper", PortInfo{IsUSB: true, VID: "1A86", PID: "7523"}, true},
		{"unknown usb", PortInfo{IsUSB: true, VID: "1234", PID: "5678"}, false},
		{"not usb", PortInfo{VID: "2E8A", PID: "000A"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.info.Bridge(); got != tt.want {
				t.Errorf("Bridge() = %v, want %v", got, tt.want)
			}
		})
	}
}
