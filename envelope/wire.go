package envelope

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"
)

// Wire framing, per the cluster-controller's binary envelope format:
//
//	magic (1 byte) | version (1 byte)
//	header count   (varint)
//	  header entries: key (length-prefixed string) | value (length-prefixed string)
//	flags          (1 byte: bit0 compressed, bit1 signed, bit2 encrypted)
//	body length    (varint) | body bytes
//	signature len  (varint) | signature bytes
//
// Strings are length-prefixed: a 2-byte big-endian length followed by the
// raw UTF-8 bytes.

const (
	wireMagic   byte = 0xC7
	wireVersion byte = 1

	flagCompressed byte = 1 << 0
	flagSigned     byte = 1 << 1
	flagEncrypted  byte = 1 << 2
)

const (
	headerKeyID        = "id"
	headerKeyType       = "type"
	headerKeySender     = "from"
	headerKeyRecipient  = "to"
	headerKeyTTL        = "expiryDate"
	headerKeyReplyTo    = "replyTo"
	headerKeyEffort     = "effort"
)

// ErrMalformedWire is returned by Decode when the buffer does not contain a
// well-formed envelope frame.
var ErrMalformedWire = fmt.Errorf("envelope: malformed wire frame")

// Encode serializes the envelope into the framed binary wire format.
func (e *Envelope) Encode() ([]byte, error) {
	headers := map[string]string{
		headerKeyID:       e.id,
		headerKeyType:     string(e.typ),
		headerKeySender:   e.sender,
		headerKeyRecipient: e.recip,
		headerKeyTTL:      fmt.Sprintf("%d", e.ttlMs),
	}
	if e.replyTo != "" {
		headers[headerKeyReplyTo] = e.replyTo
	}
	if e.effort != "" {
		headers[headerKeyEffort] = string(e.effort)
	}
	for k, v := range e.custom {
		headers[customHeaderWireKey(k)] = v
	}

	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	buf := make([]byte, 0, 64+len(e.payload)+len(e.signature))
	buf = append(buf, wireMagic, wireVersion)
	buf = appendVarInt(buf, len(keys))
	for _, k := range keys {
		buf = appendString(buf, k)
		buf = appendString(buf, headers[k])
	}

	var flags byte
	if e.isCompressed {
		flags |= flagCompressed
	}
	if e.isSigned {
		flags |= flagSigned
	}
	if e.isEncrypted {
		flags |= flagEncrypted
	}
	buf = append(buf, flags)

	buf = appendVarInt(buf, len(e.payload))
	buf = append(buf, e.payload...)

	buf = appendVarInt(buf, len(e.signature))
	buf = append(buf, e.signature...)

	return buf, nil
}

// Decode parses a framed binary envelope previously produced by Encode.
// It does not re-validate header key/value character classes: those are
// only enforced at construction time via New/Option.
func Decode(buf []byte) (*Envelope, error) {
	if len(buf) < 3 || buf[0] != wireMagic {
		return nil, ErrMalformedWire
	}
	if buf[1] != wireVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrMalformedWire, buf[1])
	}
	rest := buf[2:]

	count, n, err := decodeVarIntBuf(rest)
	if err != nil {
		return nil, fmt.Errorf("%w: header count: %w", ErrMalformedWire, err)
	}
	rest = rest[n:]

	headers := make(map[string]string, count)
	for i := 0; i < count; i++ {
		k, n, err := decodeString(rest)
		if err != nil {
			return nil, fmt.Errorf("%w: header key: %w", ErrMalformedWire, err)
		}
		rest = rest[n:]
		v, n, err := decodeString(rest)
		if err != nil {
			return nil, fmt.Errorf("%w: header value: %w", ErrMalformedWire, err)
		}
		rest = rest[n:]
		headers[k] = v
	}

	if len(rest) < 1 {
		return nil, ErrMalformedWire
	}
	flags := rest[0]
	rest = rest[1:]

	bodyLen, n, err := decodeVarIntBuf(rest)
	if err != nil {
		return nil, fmt.Errorf("%w: body length: %w", ErrMalformedWire, err)
	}
	rest = rest[n:]
	if len(rest) < bodyLen {
		return nil, fmt.Errorf("%w: body truncated", ErrMalformedWire)
	}
	body := append([]byte(nil), rest[:bodyLen]...)
	rest = rest[bodyLen:]

	sigLen, n, err := decodeVarIntBuf(rest)
	if err != nil {
		return nil, fmt.Errorf("%w: signature length: %w", ErrMalformedWire, err)
	}
	rest = rest[n:]
	if len(rest) < sigLen {
		return nil, fmt.Errorf("%w: signature truncated", ErrMalformedWire)
	}
	sig := append([]byte(nil), rest[:sigLen]...)

	ttl, ok := parseInt64(headers[headerKeyTTL])
	if !ok {
		return nil, fmt.Errorf("%w: invalid %s header", ErrMalformedWire, headerKeyTTL)
	}

	custom := make(map[string]string)
	for k, v := range headers {
		if rest, ok := stripCustomPrefix(k); ok {
			custom[rest] = v
		}
	}

	return &Envelope{
		id:           headers[headerKeyID],
		typ:          Type(headers[headerKeyType]),
		sender:       headers[headerKeySender],
		recip:        headers[headerKeyRecipient],
		ttlMs:        ttl,
		replyTo:      headers[headerKeyReplyTo],
		effort:       Effort(headers[headerKeyEffort]),
		custom:       custom,
		payload:      body,
		isCompressed: flags&flagCompressed != 0,
		isSigned:     flags&flagSigned != 0,
		isEncrypted:  flags&flagEncrypted != 0,
		signature:    sig,
	}, nil
}

func stripCustomPrefix(key string) (string, bool) {
	if len(key) <= len(customHeaderPrefix) {
		return "", false
	}
	if key[:len(customHeaderPrefix)] != customHeaderPrefix {
		return "", false
	}
	return key[len(customHeaderPrefix):], true
}

func parseInt64(s string) (int64, bool) {
	var v int64
	if s == "" {
		return 0, false
	}
	if _, err := fmt.Sscanf(s, "%d", &v); err != nil {
		return 0, false
	}
	return v, true
}

// --- varint and length-prefixed string helpers ---

func appendVarInt(dst []byte, value int) []byte {
	if value < 0 {
		panic("envelope: negative varint")
	}
	for {
		digit := byte(value % 128)
		value /= 128
		if value > 0 {
			digit |= 0x80
		}
		dst = append(dst, digit)
		if value == 0 {
			break
		}
	}
	return dst
}

func decodeVarIntBuf(buf []byte) (int, int, error) {
	val, n := binary.Uvarint(buf)
	if n == 0 {
		return 0, 0, fmt.Errorf("buffer too short for varint")
	}
	if n < 0 {
		return 0, 0, fmt.Errorf("malformed varint")
	}
	return int(val), n, nil
}

func appendString(dst []byte, s string) []byte {
	length := uint16(len(s))
	dst = append(dst, byte(length>>8), byte(length))
	return append(dst, s...)
}

func decodeString(buf []byte) (string, int, error) {
	if len(buf) < 2 {
		return "", 0, fmt.Errorf("buffer too short for string length")
	}
	length := int(buf[0])<<8 | int(buf[1])
	if len(buf) < 2+length {
		return "", 0, fmt.Errorf("buffer too short for string data")
	}
	if bytes.IndexByte(buf[2:2+length], 0) >= 0 {
		return "", 0, fmt.Errorf("string contains null byte")
	}
	return string(buf[2 : 2+length]), 2 + length, nil
}
