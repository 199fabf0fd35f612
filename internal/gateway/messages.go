package gateway

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/coriolisfi/matchcore/internal/common"
)

// MessageType tags an inbound client frame.
type MessageType uint16

const (
	NewOrder MessageType = iota
	CancelOrder
	LogBook
)

// ReportMessageType tags an outbound server frame.
type ReportMessageType uint8

const (
	ExecutionReport ReportMessageType = iota
	ErrorReport
)

var (
	ErrInvalidMessageType = errors.New("gateway: invalid message type")
	ErrMessageTooShort     = errors.New("gateway: message too short")
)

// Wire format constants. Prices and quantities travel as fixed-point
// integers scaled by 100 (i.e. cents), never as binary floating point, so
// the exact-arithmetic invariant holds across the wire as well as in memory.
const (
	symbolFieldLen = 8
	orderIDLen     = 36 // a canonical uuid string
	priceScale     = 2

	baseHeaderLen       = 2
	newOrderBodyLen     = symbolFieldLen + 1 + 1 + 8 + 8 + 1 // symbol,kind,side,price,qty,usernameLen
	cancelOrderBodyLen  = symbolFieldLen + orderIDLen + 1    // symbol,orderID,usernameLen
	reportFixedBodyLen  = 1 + 1 + 8 + 8 + symbolFieldLen + orderIDLen + 2 + 4
)

// NewOrderRequest is the decoded form of a NewOrder frame.
type NewOrderRequest struct {
	Symbol   common.Symbol
	Kind     common.Kind
	Side     common.Side
	Price    decimal.Decimal
	Quantity decimal.Decimal
	Username string
}

// ToOrder builds a fresh PENDING order from the request, assigning a new ID
// and the given arrival timestamp.
func (r NewOrderRequest) ToOrder(now time.Time) *common.Order {
	return &common.Order{
		ID:        uuid.New().String(),
		UserID:    r.Username,
		Symbol:    r.Symbol,
		Side:      r.Side,
		Kind:      r.Kind,
		Price:     r.Price,
		Quantity:  r.Quantity,
		Status:    common.Pending,
		CreatedAt: now,
	}
}

// CancelOrderRequest is the decoded form of a CancelOrder frame.
type CancelOrderRequest struct {
	Symbol   common.Symbol
	OrderID  string
	Username string
}

func decimalToFixed(d decimal.Decimal) int64 {
	return d.Shift(priceScale).Round(0).IntPart()
}

func fixedToDecimal(v int64) decimal.Decimal {
	return decimal.New(v, -priceScale)
}

func putSymbol(buf []byte, s common.Symbol) {
	copy(buf, []byte(s))
}

func getSymbol(buf []byte) common.Symbol {
	n := 0
	for n < len(buf) && buf[n] != 0 {
		n++
	}
	return common.Symbol(buf[:n])
}

func putFixedString(buf []byte, s string) {
	copy(buf, []byte(s))
}

func getFixedString(buf []byte) string {
	n := 0
	for n < len(buf) && buf[n] != 0 {
		n++
	}
	return string(buf[:n])
}

// DecodeNewOrder parses a NewOrder frame body (header already stripped).
func DecodeNewOrder(body []byte) (NewOrderRequest, error) {
	if len(body) < newOrderBodyLen {
		return NewOrderRequest{}, ErrMessageTooShort
	}
	offset := 0
	symbol := getSymbol(body[offset : offset+symbolFieldLen])
	offset += symbolFieldLen
	kind := common.Kind(body[offset])
	offset++
	side := common.Side(body[offset])
	offset++
	price := fixedToDecimal(int64(binary.BigEndian.Uint64(body[offset : offset+8])))
	offset += 8
	qty := fixedToDecimal(int64(binary.BigEndian.Uint64(body[offset : offset+8])))
	offset += 8
	usernameLen := int(body[offset])
	offset++

	if len(body) < offset+usernameLen {
		return NewOrderRequest{}, ErrMessageTooShort
	}
	username := string(body[offset : offset+usernameLen])

	return NewOrderRequest{Symbol: symbol, Kind: kind, Side: side, Price: price, Quantity: qty, Username: username}, nil
}

// EncodeNewOrder serializes a place-order request for the wire.
func EncodeNewOrder(req NewOrderRequest) []byte {
	usernameLen := len(req.Username)
	buf := make([]byte, baseHeaderLen+newOrderBodyLen+usernameLen)
	binary.BigEndian.PutUint16(buf[0:2], uint16(NewOrder))

	offset := baseHeaderLen
	putSymbol(buf[offset:offset+symbolFieldLen], req.Symbol)
	offset += symbolFieldLen
	buf[offset] = byte(req.Kind)
	offset++
	buf[offset] = byte(req.Side)
	offset++
	binary.BigEndian.PutUint64(buf[offset:offset+8], uint64(decimalToFixed(req.Price)))
	offset += 8
	binary.BigEndian.PutUint64(buf[offset:offset+8], uint64(decimalToFixed(req.Quantity)))
	offset += 8
	buf[offset] = byte(usernameLen)
	offset++
	copy(buf[offset:], req.Username)

	return buf
}

// DecodeCancelOrder parses a CancelOrder frame body (header already stripped).
func DecodeCancelOrder(body []byte) (CancelOrderRequest, error) {
	if len(body) < cancelOrderBodyLen {
		return CancelOrderRequest{}, ErrMessageTooShort
	}
	offset := 0
	symbol := getSymbol(body[offset : offset+symbolFieldLen])
	offset += symbolFieldLen
	orderID := getFixedString(body[offset : offset+orderIDLen])
	offset += orderIDLen
	usernameLen := int(body[offset])
	offset++

	if len(body) < offset+usernameLen {
		return CancelOrderRequest{}, ErrMessageTooShort
	}
	username := string(body[offset : offset+usernameLen])

	return CancelOrderRequest{Symbol: symbol, OrderID: orderID, Username: username}, nil
}

// EncodeCancelOrder serializes a cancel-order request for the wire.
func EncodeCancelOrder(req CancelOrderRequest) []byte {
	usernameLen := len(req.Username)
	buf := make([]byte, baseHeaderLen+cancelOrderBodyLen+usernameLen)
	binary.BigEndian.PutUint16(buf[0:2], uint16(CancelOrder))

	offset := baseHeaderLen
	putSymbol(buf[offset:offset+symbolFieldLen], req.Symbol)
	offset += symbolFieldLen
	putFixedString(buf[offset:offset+orderIDLen], req.OrderID)
	offset += orderIDLen
	buf[offset] = byte(usernameLen)
	offset++
	copy(buf[offset:], req.Username)

	return buf
}

// EncodeLogBook serializes a log-book request (no body).
func EncodeLogBook() []byte {
	buf := make([]byte, baseHeaderLen)
	binary.BigEndian.PutUint16(buf[0:2], uint16(LogBook))
	return buf
}

// Report is an execution or error report sent back to a client.
type Report struct {
	Type         ReportMessageType
	Side         common.Side
	Quantity     decimal.Decimal
	Price        decimal.Decimal
	Symbol       common.Symbol
	OrderID      string
	Counterparty string
	Err          string
}

// Serialize converts the report to its wire form.
func (r Report) Serialize() []byte {
	counterpartyLen := len(r.Counterparty)
	errLen := len(r.Err)
	buf := make([]byte, reportFixedBodyLen+counterpartyLen+errLen)

	offset := 0
	buf[offset] = byte(r.Type)
	offset++
	buf[offset] = byte(r.Side)
	offset++
	binary.BigEndian.PutUint64(buf[offset:offset+8], uint64(decimalToFixed(r.Quantity)))
	offset += 8
	binary.BigEndian.PutUint64(buf[offset:offset+8], uint64(decimalToFixed(r.Price)))
	offset += 8
	putSymbol(buf[offset:offset+symbolFieldLen], r.Symbol)
	offset += symbolFieldLen
	putFixedString(buf[offset:offset+orderIDLen], r.OrderID)
	offset += orderIDLen
	binary.BigEndian.PutUint16(buf[offset:offset+2], uint16(counterpartyLen))
	offset += 2
	binary.BigEndian.PutUint32(buf[offset:offset+4], uint32(errLen))
	offset += 4

	copy(buf[offset:], r.Counterparty)
	offset += counterpartyLen
	copy(buf[offset:], r.Err)

	return buf
}

// DecodeReport parses a Report frame (used by the CLI client).
func DecodeReport(buf []byte) (Report, error) {
	if len(buf) < reportFixedBodyLen {
		return Report{}, ErrMessageTooShort
	}
	offset := 0
	r := Report{Type: ReportMessageType(buf[offset])}
	offset++
	r.Side = common.Side(buf[offset])
	offset++
	r.Quantity = fixedToDecimal(int64(binary.BigEndian.Uint64(buf[offset : offset+8])))
	offset += 8
	r.Price = fixedToDecimal(int64(binary.BigEndian.Uint64(buf[offset : offset+8])))
	offset += 8
	r.Symbol = getSymbol(buf[offset : offset+symbolFieldLen])
	offset += symbolFieldLen
	r.OrderID = getFixedString(buf[offset : offset+orderIDLen])
	offset += orderIDLen
	counterpartyLen := int(binary.BigEndian.Uint16(buf[offset : offset+2]))
	offset += 2
	errLen := int(binary.BigEndian.Uint32(buf[offset : offset+4]))
	offset += 4

	if len(buf) < offset+counterpartyLen+errLen {
		return Report{}, ErrMessageTooShort
	}
	r.Counterparty = string(buf[offset : offset+counterpartyLen])
	offset += counterpartyLen
	r.Err = string(buf[offset : offset+errLen])

	return r, nil
}

// ReportFixedLen is the byte length of a Report before its variable-length
// tail (counterparty + error string); callers read this many bytes first to
// learn how much more to read.
const ReportFixedLen = reportFixedBodyLen

// frame is a generic decoded inbound message, tagged by its MessageType.
type frame struct {
	typ         MessageType
	newOrder    NewOrderRequest
	cancelOrder CancelOrderRequest
}

func decodeFrame(msg []byte) (frame, error) {
	if len(msg) < baseHeaderLen {
		return frame{}, ErrMessageTooShort
	}
	typ := MessageType(binary.BigEndian.Uint16(msg[0:2]))
	body := msg[baseHeaderLen:]

	switch typ {
	case NewOrder:
		req, err := DecodeNewOrder(body)
		if err != nil {
			return frame{}, fmt.Errorf("decode new order: %w", err)
		}
		return frame{typ: typ, newOrder: req}, nil
	case CancelOrder:
		req, err := DecodeCancelOrder(body)
		if err != nil {
			return frame{}, fmt.Errorf("decode cancel order: %w", err)
		}
		return frame{typ: typ, cancelOrder: req}, nil
	case LogBook:
		return frame{typ: typ}, nil
	default:
		return frame{}, ErrInvalidMessageType
	}
}
