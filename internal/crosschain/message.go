// Package crosschain implements the coordinator that moves capital between
// settlement domains over an at-least-once messenger. It owns the transfer
// records, the registered domains and the processed-message set.
package crosschain

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/alanyoungcy/yieldrouter/internal/domain"
)

// MessageType identifies a cross-domain message.
type MessageType uint8

const (
	MsgDeposit MessageType = iota + 1
	MsgWithdraw
	MsgEmergencyWithdraw
	MsgHarvest
	MsgDepositConfirmed
	MsgDepositFailed
	MsgWithdrawConfirmed
	MsgWithdrawFailed
	MsgHarvestReport
)

var messageTypeNames = map[MessageType]string{
	MsgDeposit:           "deposit",
	MsgWithdraw:          "withdraw",
	MsgEmergencyWithdraw: "emergency_withdraw",
	MsgHarvest:           "harvest",
	MsgDepositConfirmed:  "deposit_confirmed",
	MsgDepositFailed:     "deposit_failed",
	MsgWithdrawConfirmed: "withdraw_confirmed",
	MsgWithdrawFailed:    "withdraw_failed",
	MsgHarvestReport:     "harvest_report",
}

func (t MessageType) String() string {
	if s, ok := messageTypeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("message_type(%d)", uint8(t))
}

// IsRequest reports whether t asks the receiving domain to act on a hosted
// strategy.
func (t MessageType) IsRequest() bool {
	return t >= MsgDeposit && t <= MsgHarvest
}

// IsAck reports whether t answers an earlier request.
func (t MessageType) IsAck() bool {
	return t >= MsgDepositConfirmed && t <= MsgHarvestReport
}

// Message is the payload exchanged between coordinators. Acknowledgements
// carry the request's message id in RefID.
type Message struct {
	Type              MessageType
	RefID             string
	StrategyID        uint64
	Asset             string
	TargetAsset       string
	Amount            decimal.Decimal
	PoolID            string
	DepositID         string
	SourceDomain      uint32
	SourceCoordinator string
	Reason            string
}

// Field numbers of the wire encoding. Never renumber.
const (
	fieldType              protowire.Number = 1
	fieldRefID             protowire.Number = 2
	fieldStrategyID        protowire.Number = 3
	fieldAsset             protowire.Number = 4
	fieldTargetAsset       protowire.Number = 5
	fieldAmount            protowire.Number = 6
	fieldPoolID            protowire.Number = 7
	fieldDepositID         protowire.Number = 8
	fieldSourceDomain      protowire.Number = 9
	fieldSourceCoordinator protowire.Number = 10
	fieldReason            protowire.Number = 11
)

// Encode serializes m in protobuf wire format. Amounts travel as decimal
// strings.
func Encode(m Message) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.Type))
	b = appendString(b, fieldRefID, m.RefID)
	if m.StrategyID != 0 {
		b = protowire.AppendTag(b, fieldStrategyID, protowire.VarintType)
		b = protowire.AppendVarint(b, m.StrategyID)
	}
	b = appendString(b, fieldAsset, m.Asset)
	b = appendString(b, fieldTargetAsset, m.TargetAsset)
	b = appendString(b, fieldAmount, m.Amount.String())
	b = appendString(b, fieldPoolID, m.PoolID)
	b = appendString(b, fieldDepositID, m.DepositID)
	b = protowire.AppendTag(b, fieldSourceDomain, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.SourceDomain))
	b = appendString(b, fieldSourceCoordinator, m.SourceCoordinator)
	b = appendString(b, fieldReason, m.Reason)
	return b
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

var errTruncated = errors.New("truncated payload")

// Decode parses a payload produced by Encode. Unknown fields are skipped.
func Decode(b []byte) (Message, error) {
	var m Message
	m.Amount = decimal.Zero
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Message{}, fmt.Errorf("crosschain: decode tag: %w: %w", domain.ErrInvalidMessage, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Message{}, fmt.Errorf("crosschain: decode field %d: %w: %w", num, domain.ErrInvalidMessage, protowire.ParseError(n))
			}
			b = b[n:]
			switch num {
			case fieldType:
				m.Type = MessageType(v)
			case fieldStrategyID:
				m.StrategyID = v
			case fieldSourceDomain:
				m.SourceDomain = uint32(v)
			}
		case typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return Message{}, fmt.Errorf("crosschain: decode field %d: %w: %w", num, domain.ErrInvalidMessage, protowire.ParseError(n))
			}
			b = b[n:]
			if err := m.setString(num, v); err != nil {
				return Message{}, err
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return Message{}, fmt.Errorf("crosschain: skip field %d: %w: %w", num, domain.ErrInvalidMessage, errTruncated)
			}
			b = b[n:]
		}
	}
	if _, ok := messageTypeNames[m.Type]; !ok {
		return Message{}, fmt.Errorf("crosschain: decode: unknown type %d: %w", uint8(m.Type), domain.ErrInvalidMessage)
	}
	return m, nil
}

func (m *Message) setString(num protowire.Number, v string) error {
	switch num {
	case fieldRefID:
		m.RefID = v
	case fieldAsset:
		m.Asset = v
	case fieldTargetAsset:
		m.TargetAsset = v
	case fieldAmount:
		amt, err := decimal.NewFromString(v)
		if err != nil {
			return fmt.Errorf("crosschain: decode amount %q: %w", v, domain.ErrInvalidMessage)
		}
		if amt.IsNegative() {
			return fmt.Errorf("crosschain: decode amount %s: %w", amt, domain.ErrInvalidMessage)
		}
		m.Amount = amt
	case fieldPoolID:
		m.PoolID = v
	case fieldDepositID:
		m.DepositID = v
	case fieldSourceCoordinator:
		m.SourceCoordinator = v
	case fieldReason:
		m.Reason = v
	}
	return nil
}

func requestType(k domain.TransferKind) (MessageType, error) {
	switch k {
	case domain.TransferDeposit:
		return MsgDeposit, nil
	case domain.TransferWithdraw:
		return MsgWithdraw, nil
	case domain.TransferEmergency:
		return MsgEmergencyWithdraw, nil
	case domain.TransferHarvest:
		return MsgHarvest, nil
	}
	return 0, fmt.Errorf("crosschain: transfer kind %q: %w", k, domain.ErrInvalidMessage)
}
