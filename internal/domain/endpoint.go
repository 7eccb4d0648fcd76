// Package domain contains entity without logic, just meta-data
package domain

import "errors"

const MaxEndpointIDLen = 64

var (
	ErrEndpointIDEmpty   = errors.New("endpoint id empty")
	ErrEndpointIDTooLong = errors.New("endpoint id too long")
)

// EndpointID identifies a call participant (commander or soldier) for the
// lifetime of the relay. Uniqueness is by agreement between clients; the
// registry enforces last-connection-wins on collisions.
type EndpointID string

// ParseEndpointID validates a raw identifier coming off the wire.
func ParseEndpointID(raw string) (EndpointID, error) {
	if len(raw) == 0 {
		return "", ErrEndpointIDEmpty
	}
	if len(raw) > MaxEndpointIDLen {
		return "", ErrEndpointIDTooLong
	}
	return EndpointID(raw), nil
}
