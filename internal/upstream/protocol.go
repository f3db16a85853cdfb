package upstream

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rickgao/tickmux/internal/model"
)

// Frame names carried in "trnm".
const (
	TrnmLogin  = "LOGIN"
	TrnmReg    = "REG"
	TrnmRemove = "REMOVE"
	TrnmReal   = "REAL"
	TrnmPing   = "PING"
)

// Field ids inside a REAL item's "values".
const (
	FIDEventTime     = "20"
	FIDPrice         = "10"
	FIDChangeAmount  = "11"
	FIDChangePercent = "12"
	FIDVolume        = "13"
)

var errMissingTrnm = errors.New("frame has no trnm")

// Frame is a decoded upstream message envelope.
type Frame struct {
	Trnm       string
	Group      string          // Frame-level grp_no, if any
	ReturnCode int             // LOGIN/REG/REMOVE acknowledgements
	ReturnMsg  string
	Data       json.RawMessage // REAL payload, decoded by DecodeReal
	Raw        []byte
}

// -----------------------------------------------------------------------------
// Wire Types
// -----------------------------------------------------------------------------

type loginRequest struct {
	Trnm  string `json:"trnm"`
	Token string `json:"token"`
}

type registerItem struct {
	Item []string `json:"item"`
	Type []string `json:"type"`
}

type registerRequest struct {
	Trnm    string         `json:"trnm"`
	GrpNo   string         `json:"grp_no"`
	Refresh string         `json:"refresh"`
	Data    []registerItem `json:"data"`
}

type envelopeWire struct {
	Trnm       string          `json:"trnm"`
	GrpNo      string          `json:"grp_no"`
	ReturnCode json.RawMessage `json:"return_code"`
	ReturnMsg  string          `json:"return_msg"`
	Data       json.RawMessage `json:"data"`
}

type realItemWire struct {
	Type   string            `json:"type"`
	Name   string            `json:"name"`
	Item   string            `json:"item"`
	GrpNo  string            `json:"grp_no"`
	Values map[string]string `json:"values"`
}

// -----------------------------------------------------------------------------
// Encoding
// -----------------------------------------------------------------------------

// EncodeLogin builds the LOGIN frame.
func EncodeLogin(token string) ([]byte, error) {
	return json.Marshal(loginRequest{Trnm: TrnmLogin, Token: token})
}

// EncodeRegister builds the REG frame adding itemCode under group.
func EncodeRegister(group model.GroupID, itemCode string, types []string) ([]byte, error) {
	return encodeGroupCommand(TrnmReg, group, itemCode, types)
}

// EncodeRemove builds the REMOVE frame for group.
func EncodeRemove(group model.GroupID, itemCode string, types []string) ([]byte, error) {
	return encodeGroupCommand(TrnmRemove, group, itemCode, types)
}

func encodeGroupCommand(trnm string, group model.GroupID, itemCode string, types []string) ([]byte, error) {
	if itemCode == "" {
		return nil, fmt.Errorf("encode %s: empty item code", trnm)
	}
	if len(types) == 0 {
		types = DefaultConfig().RealTypes
	}
	return json.Marshal(registerRequest{
		Trnm:    trnm,
		GrpNo:   group.String(),
		Refresh: "1",
		Data:    []registerItem{{Item: []string{itemCode}, Type: types}},
	})
}

// -----------------------------------------------------------------------------
// Decoding
// -----------------------------------------------------------------------------

// DecodeFrame parses the envelope of an upstream message.
func DecodeFrame(data []byte) (Frame, error) {
	var env envelopeWire
	if err := json.Unmarshal(data, &env); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	if env.Trnm == "" {
		return Frame{}, errMissingTrnm
	}

	code, err := parseReturnCode(env.ReturnCode)
	if err != nil {
		return Frame{}, fmt.Errorf("decode %s return_code: %w", env.Trnm, err)
	}

	return Frame{
		Trnm:       env.Trnm,
		Group:      env.GrpNo,
		ReturnCode: code,
		ReturnMsg:  env.ReturnMsg,
		Data:       env.Data,
		Raw:        data,
	}, nil
}

// parseReturnCode accepts return_code as a number or a numeric string.
func parseReturnCode(raw json.RawMessage) (int, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, nil
	}
	var n int
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(s))
}

// DecodeReal decodes the items of a REAL frame into ticks. Items that cannot
// be decoded are skipped and reported in errs; the rest are returned in
// frame order.
func DecodeReal(f Frame, receivedAt time.Time) (ticks []model.Tick, errs []error) {
	var items []json.RawMessage
	if err := json.Unmarshal(f.Data, &items); err != nil {
		return nil, []error{fmt.Errorf("decode REAL data: %w", err)}
	}

	ticks = make([]model.Tick, 0, len(items))
	for i, raw := range items {
		tick, err := decodeRealItem(raw, f.Group, receivedAt)
		if err != nil {
			errs = append(errs, fmt.Errorf("REAL item %d: %w", i, err))
			continue
		}
		ticks = append(ticks, tick)
	}
	return ticks, errs
}

func decodeRealItem(raw json.RawMessage, frameGroup string, receivedAt time.Time) (model.Tick, error) {
	var item realItemWire
	if err := json.Unmarshal(raw, &item); err != nil {
		return model.Tick{}, err
	}

	grp := item.GrpNo
	if grp == "" {
		grp = frameGroup
	}
	group, err := model.ParseGroupID(grp)
	if err != nil {
		return model.Tick{}, err
	}
	if item.Item == "" {
		return model.Tick{}, errors.New("missing item code")
	}

	priceStr, ok := item.Values[FIDPrice]
	if !ok {
		return model.Tick{}, fmt.Errorf("missing price field %s", FIDPrice)
	}
	price, err := parseSigned(priceStr)
	if err != nil {
		return model.Tick{}, fmt.Errorf("price: %w", err)
	}

	change, err := parseOptional(item.Values, FIDChangeAmount)
	if err != nil {
		return model.Tick{}, fmt.Errorf("change amount: %w", err)
	}
	pct, err := parseOptional(item.Values, FIDChangePercent)
	if err != nil {
		return model.Tick{}, fmt.Errorf("change percent: %w", err)
	}
	vol, err := parseOptional(item.Values, FIDVolume)
	if err != nil {
		return model.Tick{}, fmt.Errorf("volume: %w", err)
	}

	return model.Tick{
		Group:         group,
		ItemCode:      item.Item,
		Type:          item.Type,
		EventTime:     item.Values[FIDEventTime],
		Price:         price.Abs(), // sign is a direction marker
		ChangeAmount:  change,
		ChangePercent: pct,
		Volume:        vol.Abs().IntPart(),
		ReceivedAt:    receivedAt,
	}, nil
}

func parseOptional(values map[string]string, fid string) (decimal.Decimal, error) {
	s, ok := values[fid]
	if !ok || strings.TrimSpace(s) == "" {
		return decimal.Zero, nil
	}
	return parseSigned(s)
}

// parseSigned parses feed numbers such as "-71000", "+500" or "0.70".
func parseSigned(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "+")
	if s == "" {
		return decimal.Zero, errors.New("empty value")
	}
	return decimal.NewFromString(s)
}
