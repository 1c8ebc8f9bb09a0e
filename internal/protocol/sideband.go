package protocol

import (
	"github.com/gitvault/gitvault/internal/pktline"
)

// Side-band channel numbers: pack data, progress text, fatal error.
const (
	bandData     byte = 1
	bandProgress byte = 2
	bandError    byte = 3
)

// bandChunkSize keeps each side-band frame (band byte + chunk) within the
// pkt-line payload limit.
const bandChunkSize = pktline.MaxPayloadLen - 1

// writeBand frames data onto one side-band channel, chunking as needed.
func writeBand(pktw *pktline.Writer, band byte, data []byte) error {
	for len(data) > 0 {
		n := min(len(data), bandChunkSize)
		frame := make([]byte, n+1)
		frame[0] = band
		copy(frame[1:], data[:n])
		if _, err := pktw.Write(frame); err != nil {
			return err
		}
		data = data[n:]
	}
	return nil
}
