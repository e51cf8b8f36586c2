package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
)

type payloadDecoder func(raw json.RawMessage) (any, error)

// payloadDecoders 定义每种 event/action 组合允许的 data 结构。
var payloadDecoders = map[Event]map[Action]payloadDecoder{
	EventCommand: {
		ActionCreateOrders:    listOf[OrderToCreate](requiredOrderToCreate, nil),
		ActionCancelOrders:    listOf[OrderID](requiredOrderID, nil),
		ActionGetOrders:       listOf[OrderID](requiredOrderID, nil),
		ActionCancelAllOrders: nullOnly,
		ActionGetBalance:      assetList,
		ActionPing:            scalar,
	},
	EventData: {
		ActionCreateOrders:    listOf[OrderInfo](requiredOrderInfo, validateOrderInfo),
		ActionGetOrders:       listOf[OrderInfo](requiredOrderInfo, validateOrderInfo),
		ActionOrdersUpdate:    listOf[OrderInfo](requiredOrderInfo, validateOrderInfo),
		ActionCancelOrders:    oneOf(listOf[OrderInfo](requiredOrderInfo, validateOrderInfo), listOf[OrderID](requiredOrderID, nil)),
		ActionCancelAllOrders: oneOf(listOf[OrderInfo](requiredOrderInfo, validateOrderInfo), listOf[OrderID](requiredOrderID, nil)),
		ActionOrderBookUpdate: objectOf[OrderBook](requiredOrderBook, nil),
		ActionGetBalance:      balances,
		ActionBalanceUpdate:   balances,
		ActionPing:            scalar,
	},
}

// Decode 严格解析一条入站消息：校验 JSON、必填字段、未知字段，并按 event/action 解码 data。
func Decode(raw []byte) (*Message, error) {
	var keys map[string]json.RawMessage
	if err := json.Unmarshal(raw, &keys); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := requireKeys(keys, requiredEnvelopeKeys); err != nil {
		return nil, fmt.Errorf("%w: envelope: %v", ErrSchemaMismatch, err)
	}

	var msg Message
	if err := strictUnmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("%w: envelope: %v", ErrSchemaMismatch, err)
	}

	payload, err := DecodePayload(msg.Event, msg.Action, msg.Data)
	if err != nil {
		return nil, err
	}
	msg.Payload = payload
	return &msg, nil
}

// DecodePayload 按 event/action 解码 data。error 事件的 data 结构不固定，总能解码成功。
func DecodePayload(event Event, action Action, data json.RawMessage) (any, error) {
	if event == EventError {
		return decodeErrorDetails(data), nil
	}
	if action == ActionNone {
		return nil, fmt.Errorf("%w: %s 事件缺少 action", ErrSchemaMismatch, event)
	}
	decoder, ok := payloadDecoders[event][action]
	if !ok {
		return nil, fmt.Errorf("%w: %s 事件不支持 action %s", ErrSchemaMismatch, event, action)
	}
	payload, err := decoder(data)
	if err != nil {
		return nil, fmt.Errorf("%w: data of %s/%s: %v", ErrSchemaMismatch, event, action, err)
	}
	return payload, nil
}

func decodeErrorDetails(data json.RawMessage) ErrorDetails {
	details := ErrorDetails{Raw: data}
	if isNull(data) {
		return details
	}
	if infos, err := listOf[OrderInfo](requiredOrderInfo, nil)(data); err == nil {
		for _, info := range infos.([]OrderInfo) {
			id := info.ID
			details.Orders = append(details.Orders, OrderID{ClientOrderID: info.ClientOrderID, Symbol: info.Symbol, ID: &id})
		}
		return details
	}
	if created, err := listOf[OrderToCreate](requiredOrderToCreate, nil)(data); err == nil {
		for _, o := range created.([]OrderToCreate) {
			details.Orders = append(details.Orders, OrderID{ClientOrderID: o.ClientOrderID, Symbol: o.Symbol})
		}
		return details
	}
	if single, err := objectOf[OrderToCreate](requiredOrderToCreate, nil)(data); err == nil {
		o := single.(OrderToCreate)
		details.Orders = []OrderID{{ClientOrderID: o.ClientOrderID, Symbol: o.Symbol}}
		return details
	}
	if ids, err := listOf[OrderID](requiredOrderID, nil)(data); err == nil {
		details.Orders = ids.([]OrderID)
	}
	return details
}

func listOf[T any](required []string, validate func(*T) error) payloadDecoder {
	return func(raw json.RawMessage) (any, error) {
		if isNull(raw) {
			return nil, errors.New("期望数组，得到 null")
		}
		var items []json.RawMessage
		if err := json.Unmarshal(raw, &items); err != nil {
			return nil, err
		}
		out := make([]T, 0, len(items))
		for i, item := range items {
			var v T
			if err := decodeObject(item, &v, required); err != nil {
				return nil, fmt.Errorf("item %d: %w", i, err)
			}
			if validate != nil {
				if err := validate(&v); err != nil {
					return nil, fmt.Errorf("item %d: %w", i, err)
				}
			}
			out = append(out, v)
		}
		return out, nil
	}
}

func objectOf[T any](required []string, validate func(*T) error) payloadDecoder {
	return func(raw json.RawMessage) (any, error) {
		var v T
		if err := decodeObject(raw, &v, required); err != nil {
			return nil, err
		}
		if validate != nil {
			if err := validate(&v); err != nil {
				return nil, err
			}
		}
		return v, nil
	}
}

func oneOf(decoders ...payloadDecoder) payloadDecoder {
	return func(raw json.RawMessage) (any, error) {
		var errs []error
		for _, decode := range decoders {
			v, err := decode(raw)
			if err == nil {
				return v, nil
			}
			errs = append(errs, err)
		}
		return nil, errors.Join(errs...)
	}
}

func balances(raw json.RawMessage) (any, error) {
	var keys map[string]json.RawMessage
	if err := decodeObject(raw, &keys, requiredBalances); err != nil {
		return nil, err
	}
	for k := range keys {
		if k != "timestamp" && k != "assets" {
			return nil, fmt.Errorf("未知字段 %q", k)
		}
	}

	var assets map[string]json.RawMessage
	if err := json.Unmarshal(keys["assets"], &assets); err != nil {
		return nil, fmt.Errorf("assets: %w", err)
	}
	out := Balances{Assets: make(map[string]Balance, len(assets))}
	if ts, ok := keys["timestamp"]; ok && !isNull(ts) {
		var v int64
		if err := json.Unmarshal(ts, &v); err != nil {
			return nil, fmt.Errorf("timestamp: %w", err)
		}
		out.Timestamp = &v
	}
	for asset, item := range assets {
		var b Balance
		if err := decodeObject(item, &b, requiredBalance); err != nil {
			return nil, fmt.Errorf("asset %s: %w", asset, err)
		}
		if b.Free < 0 || b.Used < 0 || b.Total < 0 {
			return nil, fmt.Errorf("asset %s: 余额不能为负", asset)
		}
		out.Assets[asset] = b
	}
	return out, nil
}

func nullOnly(raw json.RawMessage) (any, error) {
	if !isNull(raw) {
		return nil, errors.New("期望 null")
	}
	return nil, nil
}

func assetList(raw json.RawMessage) (any, error) {
	if isNull(raw) {
		return []string(nil), nil
	}
	var assets []string
	if err := json.Unmarshal(raw, &assets); err != nil {
		return nil, err
	}
	return assets, nil
}

func scalar(raw json.RawMessage) (any, error) {
	if isNull(raw) {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	switch v.(type) {
	case float64, string, bool:
		return v, nil
	default:
		return nil, errors.New("期望标量")
	}
}

func validateOrderInfo(o *OrderInfo) error {
	if o.Amount < 0 {
		return errors.New("amount 不能为负")
	}
	if o.Price != nil && *o.Price < 0 {
		return errors.New("price 不能为负")
	}
	if o.Filled != nil && *o.Filled < 0 {
		return errors.New("filled 不能为负")
	}
	return nil
}

func decodeObject(raw json.RawMessage, v any, required []string) error {
	var keys map[string]json.RawMessage
	if err := json.Unmarshal(raw, &keys); err != nil {
		return err
	}
	if keys == nil {
		return errors.New("期望对象，得到 null")
	}
	if err := requireKeys(keys, required); err != nil {
		return err
	}
	if m, ok := v.(*map[string]json.RawMessage); ok {
		*m = keys
		return nil
	}
	return strictUnmarshal(raw, v)
}

func requireKeys(keys map[string]json.RawMessage, required []string) error {
	for _, k := range required {
		if _, ok := keys[k]; !ok {
			return fmt.Errorf("缺少字段 %q", k)
		}
	}
	return nil
}

// strictUnmarshal 拒绝未知字段；encoding/json 匹配字段名时忽略大小写，这里额外要求与 json tag 完全一致。
func strictUnmarshal(raw []byte, v any) error {
	if names := jsonFieldNames(v); names != nil {
		var keys map[string]json.RawMessage
		if err := json.Unmarshal(raw, &keys); err != nil {
			return err
		}
		for k := range keys {
			if _, ok := names[k]; !ok {
				return fmt.Errorf("未知字段 %q", k)
			}
		}
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

var fieldNameCache sync.Map // reflect.Type -> map[string]struct{}

// jsonFieldNames 返回结构体指针目标可接受的 json 字段名；非结构体返回 nil。
func jsonFieldNames(v any) map[string]struct{} {
	t := reflect.TypeOf(v)
	if t == nil || t.Kind() != reflect.Pointer || t.Elem().Kind() != reflect.Struct {
		return nil
	}
	t = t.Elem()
	if cached, ok := fieldNameCache.Load(t); ok {
		return cached.(map[string]struct{})
	}
	names := make(map[string]struct{}, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			continue
		}
		if name == "" {
			name = f.Name
		}
		names[name] = struct{}{}
	}
	fieldNameCache.Store(t, names)
	return names
}

func isNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}
