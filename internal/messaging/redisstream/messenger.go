// Package redisstream carries cross-domain messages over Redis Streams. Each
// domain reads its own stream "xchain:<domain>"; a Relay feeds the entries to
// the local coordinator and checkpoints its position in a bbolt file so a
// restart resumes where it stopped.
package redisstream

import (
	"context"
	"encoding/binary"
	"fmt"
	"strconv"

	"github.com/ethereum/go-ethereum/common/hexutil"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/alanyoungcy/yieldrouter/internal/crypto"
	"github.com/alanyoungcy/yieldrouter/internal/domain"
)

// StreamName returns the stream domain id reads from.
func StreamName(prefix string, id uint32) string {
	return prefix + "xchain:" + strconv.FormatUint(uint64(id), 10)
}

// Messenger implements domain.Messenger by appending to the destination
// domain's stream.
type Messenger struct {
	bus    domain.SignalBus
	local  uint32
	prefix string
	auth   *crypto.MessageAuth
}

// NewMessenger returns a Messenger sending on behalf of domain local.
func NewMessenger(bus domain.SignalBus, local uint32, prefix string) *Messenger {
	return &Messenger{bus: bus, local: local, prefix: prefix}
}

// WithAuth makes the Messenger sign every envelope with auth.
func (m *Messenger) WithAuth(auth *crypto.MessageAuth) *Messenger {
	m.auth = auth
	return m
}

// Send appends payload to the stream of domain to. The message id is the
// keccak256 of source, destination, a random nonce and the payload, so it is
// unique per send and identical on every redelivery of that entry.
func (m *Messenger) Send(ctx context.Context, to uint32, payload []byte) (string, error) {
	nonce := uuid.New()
	id := MessageID(m.local, to, nonce[:], payload)
	env := encodeEnvelope(envelope{
		ID:      id,
		Source:  m.local,
		Payload: payload,
		MAC:     m.auth.Sign(id, m.local, payload),
	})
	if _, err := m.bus.StreamAppend(ctx, StreamName(m.prefix, to), env); err != nil {
		return "", fmt.Errorf("redisstream: send to %d: %w", to, err)
	}
	return id, nil
}

// MessageID derives the id of a message.
func MessageID(from, to uint32, nonce, payload []byte) string {
	var hdr [8]byte
	binary.BigEndian.PutUint32(hdr[:4], from)
	binary.BigEndian.PutUint32(hdr[4:], to)
	return hexutil.Encode(ethcrypto.Keccak256(hdr[:], nonce, payload))
}

type envelope struct {
	ID      string
	Source  uint32
	Payload []byte
	MAC     []byte
}

const (
	envID      protowire.Number = 1
	envSource  protowire.Number = 2
	envPayload protowire.Number = 3
	envMAC     protowire.Number = 4
)

func encodeEnvelope(e envelope) []byte {
	var b []byte
	b = protowire.AppendTag(b, envID, protowire.BytesType)
	b = protowire.AppendString(b, e.ID)
	b = protowire.AppendTag(b, envSource, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.Source))
	b = protowire.AppendTag(b, envPayload, protowire.BytesType)
	b = protowire.AppendBytes(b, e.Payload)
	if len(e.MAC) > 0 {
		b = protowire.AppendTag(b, envMAC, protowire.BytesType)
		b = protowire.AppendBytes(b, e.MAC)
	}
	return b
}

func decodeEnvelope(b []byte) (envelope, error) {
	var e envelope
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return envelope{}, protowire.ParseError(n)
		}
		b = b[n:]
		switch {
		case num == envID && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return envelope{}, protowire.ParseError(n)
			}
			e.ID, b = v, b[n:]
		case num == envSource && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return envelope{}, protowire.ParseError(n)
			}
			e.Source, b = uint32(v), b[n:]
		case num == envPayload && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return envelope{}, protowire.ParseError(n)
			}
			e.Payload, b = append([]byte(nil), v...), b[n:]
		case num == envMAC && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return envelope{}, protowire.ParseError(n)
			}
			e.MAC, b = append([]byte(nil), v...), b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return envelope{}, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	if e.ID == "" {
		return envelope{}, fmt.Errorf("envelope without id")
	}
	return e, nil
}

var _ domain.Messenger = (*Messenger)(nil)
