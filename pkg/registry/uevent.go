package registry

import "strings"

// ueventMsg is a decoded kernel uevent. The wire form is
// "action@devpath" followed by NUL separated KEY=VALUE pairs.
type ueventMsg struct {
	Action    string
	DevPath   string
	Subsystem string
	DevName   string
}

func parseUEvent(raw []byte) (ueventMsg, bool) {
	fields := strings.Split(string(raw), "\x00")
	if len(fields) == 0 {
		return ueventMsg{}, false
	}
	header := fields[0]
	at := strings.IndexByte(header, '@')
	if at < 0 {
		// libudev multicasts its own framed messages on the same
		// netlink family; they carry no @ header and are not for us.
		return ueventMsg{}, false
	}
	msg := ueventMsg{Action: header[:at], DevPath: header[at+1:]}
	for _, field := range fields[1:] {
		key, value, ok := strings.Cut(field, "=")
		if !ok {
			continue
		}
		switch key {
		case "ACTION":
			msg.Action = value
		case "SUBSYSTEM":
			msg.Subsystem = value
		case "DEVNAME":
			msg.DevName = value
		}
	}
	return msg, true
}

// devNodePath resolves a uevent DEVNAME to an absolute device node path.
func devNodePath(devname string) string {
	if strings.HasPrefix(devname, "/") {
		return devname
	}
	return "/dev/" + devname
}
