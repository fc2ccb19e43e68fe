package rfid

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/pumpingstationone/deepharbor/internal/logger"
	"github.com/pumpingstationone/deepharbor/pkg/config"
)

// The controller speaks a fixed 64-byte UDP datagram protocol. Every request
// and reply starts with the SOM byte and a function code, with the device
// serial at offset 4. Requests go out over broadcast; the reply is matched
// back by serial.
const (
	packetSize = 64
	som        = 0x17

	fnSetTime    = 0x30
	fnGetTime    = 0x32
	fnPutCard    = 0x50
	fnDeleteCard = 0x52
)

// ErrDeviceTimeout indicates the board did not answer within the configured
// timeout. The caller decides whether to retry.
var ErrDeviceTimeout = errors.New("device timed out")

// ErrRefused indicates the board answered but rejected the operation.
var ErrRefused = errors.New("operation refused by controller")

// UHPPOTE is a Board implementation for UHPPOTE access controllers.
type UHPPOTE struct {
	bind      string
	broadcast string
	serial    uint32
	timeout   time.Duration
}

var _ Board = (*UHPPOTE)(nil)

// NewUHPPOTE creates a driver from the worker configuration.
func NewUHPPOTE(cfg config.RFIDConfig) *UHPPOTE {
	return &UHPPOTE{
		bind:      cfg.BindAddr,
		broadcast: cfg.BroadcastAddr,
		serial:    cfg.SerialNumber,
		timeout:   cfg.Timeout,
	}
}

// PutCard grants a card on all doors for the validity window.
func (u *UHPPOTE) PutCard(ctx context.Context, card uint32, start, end time.Time) error {
	req := u.newRequest(fnPutCard)
	binary.LittleEndian.PutUint32(req[8:12], card)
	packDate(req[12:16], start)
	packDate(req[16:20], end)
	// Door permission bytes, one per door.
	req[20], req[21], req[22], req[23] = 1, 1, 1, 1

	resp, err := u.roundTrip(ctx, req)
	if err != nil {
		return err
	}
	if resp[8] != 1 {
		return fmt.Errorf("put card %d: %w", card, ErrRefused)
	}
	return nil
}

// DeleteCard revokes a card.
func (u *UHPPOTE) DeleteCard(ctx context.Context, card uint32) error {
	req := u.newRequest(fnDeleteCard)
	binary.LittleEndian.PutUint32(req[8:12], card)

	resp, err := u.roundTrip(ctx, req)
	if err != nil {
		return err
	}
	if resp[8] != 1 {
		return fmt.Errorf("delete card %d: %w", card, ErrRefused)
	}
	return nil
}

// SetTime sets the controller clock.
func (u *UHPPOTE) SetTime(ctx context.Context, t time.Time) (time.Time, error) {
	req := u.newRequest(fnSetTime)
	packDateTime(req[8:15], t)

	resp, err := u.roundTrip(ctx, req)
	if err != nil {
		return time.Time{}, err
	}
	return unpackDateTime(resp[8:15])
}

// GetTime reads the controller clock.
func (u *UHPPOTE) GetTime(ctx context.Context) (time.Time, error) {
	req := u.newRequest(fnGetTime)

	resp, err := u.roundTrip(ctx, req)
	if err != nil {
		return time.Time{}, err
	}
	return unpackDateTime(resp[8:15])
}

func (u *UHPPOTE) newRequest(fn byte) []byte {
	req := make([]byte, packetSize)
	req[0] = som
	req[1] = fn
	binary.LittleEndian.PutUint32(req[4:8], u.serial)
	return req
}

// roundTrip broadcasts a request and waits for the matching reply. Datagrams
// from other controllers on the segment are skipped, not errors.
func (u *UHPPOTE) roundTrip(ctx context.Context, req []byte) ([]byte, error) {
	laddr, err := net.ResolveUDPAddr("udp", u.bind)
	if err != nil {
		return nil, fmt.Errorf("invalid bind address %q: %w", u.bind, err)
	}
	raddr, err := net.ResolveUDPAddr("udp", u.broadcast)
	if err != nil {
		return nil, fmt.Errorf("invalid broadcast address %q: %w", u.broadcast, err)
	}

	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("failed to open UDP socket: %w", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(u.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, fmt.Errorf("failed to set socket deadline: %w", err)
	}

	if _, err := conn.WriteToUDP(req, raddr); err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	buf := make([]byte, packetSize)
	for {
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				return nil, fmt.Errorf("serial %d fn 0x%02x: %w", u.serial, req[1], ErrDeviceTimeout)
			}
			return nil, fmt.Errorf("failed to read reply: %w", err)
		}

		if n != packetSize || buf[0] != som || buf[1] != req[1] {
			logger.Debug("skipping unexpected datagram", "bytes", n)
			continue
		}
		if binary.LittleEndian.Uint32(buf[4:8]) != u.serial {
			continue
		}

		resp := make([]byte, packetSize)
		copy(resp, buf)
		return resp, nil
	}
}

// packDate writes a date as 4 BCD bytes, yyyymmdd.
func packDate(dst []byte, t time.Time) {
	y, m, d := t.Date()
	dst[0] = toBCD(y / 100)
	dst[1] = toBCD(y % 100)
	dst[2] = toBCD(int(m))
	dst[3] = toBCD(d)
}

// packDateTime writes a timestamp as 7 BCD bytes, yyyymmddHHMMSS.
func packDateTime(dst []byte, t time.Time) {
	packDate(dst[0:4], t)
	dst[4] = toBCD(t.Hour())
	dst[5] = toBCD(t.Minute())
	dst[6] = toBCD(t.Second())
}

// unpackDateTime reads a 7-byte BCD timestamp in local time.
func unpackDateTime(src []byte) (time.Time, error) {
	vals := make([]int, 7)
	for i := range vals {
		v, err := fromBCD(src[i])
		if err != nil {
			return time.Time{}, fmt.Errorf("malformed BCD timestamp: %w", err)
		}
		vals[i] = v
	}

	year := vals[0]*100 + vals[1]
	t := time.Date(year, time.Month(vals[2]), vals[3], vals[4], vals[5], vals[6], 0, time.Local)
	if t.Year() != year || int(t.Month()) != vals[2] || t.Day() != vals[3] {
		return time.Time{}, fmt.Errorf("invalid timestamp %v in reply", vals)
	}
	return t, nil
}

func toBCD(v int) byte {
	return byte(v/10<<4 | v%10)
}

func fromBCD(b byte) (int, error) {
	hi, lo := int(b>>4), int(b&0x0f)
	if hi > 9 || lo > 9 {
		return 0, fmt.Errorf("byte 0x%02x is not BCD", b)
	}
	return hi*10 + lo, nil
}
