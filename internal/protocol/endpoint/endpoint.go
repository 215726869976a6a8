package endpoint

import (
	"fmt"
	"hash/crc32"
	"net"
	"strings"

	"github.com/danmuck/tensorbridge/internal/protocol"
)

const (
	DefaultIP       = "127.0.0.1"
	DefaultPortBase = 20000
	DefaultPortSpan = 40000
	DefaultScheme   = "tcp"
)

// Resolver maps (namespace, name) to a transport address.
type Resolver struct {
	DefaultIP string
	PortBase  uint32
	PortSpan  uint32
	Scheme    string
}

// Override replaces parts of the derived endpoint. Zero values are ignored.
type Override struct {
	IP   string
	Port int
}

func DefaultResolver() Resolver {
	return Resolver{
		DefaultIP: DefaultIP,
		PortBase:  DefaultPortBase,
		PortSpan:  DefaultPortSpan,
		Scheme:    DefaultScheme,
	}
}

// WithDefaults fills zero fields from DefaultResolver.
func (r Resolver) WithDefaults() Resolver {
	d := DefaultResolver()
	if r.DefaultIP == "" {
		r.DefaultIP = d.DefaultIP
	}
	if r.PortBase == 0 {
		r.PortBase = d.PortBase
	}
	if r.PortSpan == 0 {
		r.PortSpan = d.PortSpan
	}
	if r.Scheme == "" {
		r.Scheme = d.Scheme
	}
	return r
}

// StreamName is the stable identity hashed into the port.
func StreamName(ns, name string) string {
	if ns == "" {
		return name
	}
	return ns + "/" + name
}

// Port derives the default port for a stream.
func (r Resolver) Port(ns, name string) int {
	r = r.WithDefaults()
	sum := crc32.ChecksumIEEE([]byte(StreamName(ns, name)))
	return int(r.PortBase + sum%r.PortSpan)
}

// Resolve returns scheme://ip:port for the stream.
func (r Resolver) Resolve(ns, name string, o Override) (string, error) {
	r = r.WithDefaults()
	if name == "" {
		return "", protocol.Configf("endpoint.Resolve", "name", "tensor name is required")
	}
	ip := r.DefaultIP
	if o.IP != "" {
		ip = o.IP
	}
	port := r.Port(ns, name)
	if o.Port != 0 {
		if o.Port < 1 || o.Port > 65535 {
			return "", protocol.Configf("endpoint.Resolve", "port", "port %d out of range", o.Port)
		}
		port = o.Port
	}
	return fmt.Sprintf("%s://%s", r.Scheme, net.JoinHostPort(ip, fmt.Sprint(port))), nil
}

// Channels are the topic names carrying one tensor on the topic backend.
type Channels struct {
	Data  string
	Rows  string
	Cols  string
	DType string
}

func ChannelsFor(ns, name string) Channels {
	base := strings.Trim(StreamName(strings.Trim(ns, "/"), name), "/")
	return Channels{
		Data:  base + "/data",
		Rows:  base + "/rows",
		Cols:  base + "/cols",
		DType: base + "/dtype",
	}
}

// Remap replaces the namespace of a mirrored tensor when remap is non-empty.
func Remap(ns, remap string) string {
	if remap != "" {
		return remap
	}
	return ns
}
