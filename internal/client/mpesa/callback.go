package mpesa

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrUnknownPayloadShape возвращается, когда метаданные callback-а не
// соответствуют ни одной известной форме. Reconciler сохраняет такое
// событие как unmatched, а не извлекает поля наугад
var ErrUnknownPayloadShape = errors.New("unknown callback payload shape")

// CallbackEvent - платёжные факты, извлечённые из callback-а шлюза
type CallbackEvent struct {
	// CorrelationID - CheckoutRequestID, выданный шлюзом при инициации списания
	CorrelationID string
	Success       bool
	ResultCode    int
	ResultDesc    string
	// ProviderRef - номер квитанции провайдера, уникален на реальное платёжное событие
	ProviderRef string
	Amount      int64
	Phone       string
}

// callbackBody - внешняя обёртка callback-а провайдера
type callbackBody struct {
	Body struct {
		StkCallback struct {
			MerchantRequestID string `json:"MerchantRequestID"`
			CheckoutRequestID string `json:"CheckoutRequestID"`
			ResultCode        int    `json:"ResultCode"`
			ResultDesc        string `json:"ResultDesc"`
			CallbackMetadata  *struct {
				Item []metadataItem `json:"Item"`
			} `json:"CallbackMetadata"`
		} `json:"stkCallback"`
	} `json:"Body"`
}

// metadataItem - элемент массива метаданных. Value может быть числом
// или строкой в зависимости от поля, поэтому json.RawMessage
type metadataItem struct {
	Name  string          `json:"Name"`
	Value json.RawMessage `json:"Value"`
}

// metadataShape перечисляет известные формы массива метаданных.
// У провайдера порядок элементов наблюдаемо различается между формами,
// поэтому форма определяется явно, а не угадывается по индексам
type metadataShape int

const (
	// shapeNamed - у каждого элемента заполнено поле Name
	shapeNamed metadataShape = iota
	// shapeLegacy4 - безымянные элементы: [amount, receipt, date, phone]
	shapeLegacy4
	// shapeLegacy5 - безымянные элементы: [amount, receipt, balance, date, phone]
	shapeLegacy5
	shapeUnknown
)

// ParseCallback разбирает сырой callback шлюза в CallbackEvent.
// Не-успешный результат (ResultCode != 0) валиден и возвращается
// с Success == false без метаданных
func ParseCallback(raw []byte) (CallbackEvent, error) {
	var body callbackBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return CallbackEvent{}, fmt.Errorf("malformed callback payload: %w", err)
	}

	cb := body.Body.StkCallback
	event := CallbackEvent{
		CorrelationID: cb.CheckoutRequestID,
		ResultCode:    cb.ResultCode,
		ResultDesc:    cb.ResultDesc,
		Success:       cb.ResultCode == 0,
	}

	// Отклонённый или отменённый платёж не несёт метаданных -
	// фактов для извлечения нет
	if !event.Success || cb.CallbackMetadata == nil {
		event.Success = false
		return event, nil
	}

	items := cb.CallbackMetadata.Item
	switch classifyShape(items) {
	case shapeNamed:
		return extractNamed(event, items)
	case shapeLegacy4:
		return extractPositional(event, items, 0, 1, 3)
	case shapeLegacy5:
		return extractPositional(event, items, 0, 1, 4)
	default:
		return CallbackEvent{}, fmt.Errorf("%w: %d items", ErrUnknownPayloadShape, len(items))
	}
}

// classifyShape определяет форму массива метаданных
func classifyShape(items []metadataItem) metadataShape {
	if len(items) == 0 {
		return shapeUnknown
	}

	named := true
	for _, item := range items {
		if item.Name == "" {
			named = false
			break
		}
	}
	if named {
		return shapeNamed
	}

	switch len(items) {
	case 4:
		return shapeLegacy4
	case 5:
		return shapeLegacy5
	default:
		return shapeUnknown
	}
}

// extractNamed извлекает поля по именам элементов
func extractNamed(event CallbackEvent, items []metadataItem) (CallbackEvent, error) {
	byName := make(map[string]json.RawMessage, len(items))
	for _, item := range items {
		byName[item.Name] = item.Value
	}

	amountRaw, ok := byName["Amount"]
	if !ok {
		return CallbackEvent{}, fmt.Errorf("%w: missing Amount", ErrUnknownPayloadShape)
	}
	refRaw, ok := byName["MpesaReceiptNumber"]
	if !ok {
		return CallbackEvent{}, fmt.Errorf("%w: missing MpesaReceiptNumber", ErrUnknownPayloadShape)
	}
	phoneRaw, ok := byName["PhoneNumber"]
	if !ok {
		return CallbackEvent{}, fmt.Errorf("%w: missing PhoneNumber", ErrUnknownPayloadShape)
	}

	return fillEvent(event, amountRaw, refRaw, phoneRaw)
}

// extractPositional извлекает поля по индексам известной legacy-формы
func extractPositional(event CallbackEvent, items []metadataItem, amountIdx, refIdx, phoneIdx int) (CallbackEvent, error) {
	return fillEvent(event, items[amountIdx].Value, items[refIdx].Value, items[phoneIdx].Value)
}

func fillEvent(event CallbackEvent, amountRaw, refRaw, phoneRaw json.RawMessage) (CallbackEvent, error) {
	amount, err := valueAsAmount(amountRaw)
	if err != nil {
		return CallbackEvent{}, fmt.Errorf("%w: bad amount: %v", ErrUnknownPayloadShape, err)
	}
	ref, err := valueAsString(refRaw)
	if err != nil || ref == "" {
		return CallbackEvent{}, fmt.Errorf("%w: bad receipt number", ErrUnknownPayloadShape)
	}
	phone, err := valueAsString(phoneRaw)
	if err != nil || phone == "" {
		return CallbackEvent{}, fmt.Errorf("%w: bad phone number", ErrUnknownPayloadShape)
	}

	event.Amount = amount
	event.ProviderRef = ref
	event.Phone = phone
	return event, nil
}

// valueAsAmount разбирает значение суммы: провайдер присылает
// и целые, и дробные числа, и строки
func valueAsAmount(raw json.RawMessage) (int64, error) {
	s := strings.TrimSpace(string(raw))
	s = strings.Trim(s, `"`)
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	return int64(f), nil
}

// valueAsString разбирает строковое или числовое значение в строку
func valueAsString(raw json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String(), nil
	}
	return "", fmt.Errorf("value is neither string nor number: %s", raw)
}
