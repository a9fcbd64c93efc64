package action

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"

	"github.com/akriventsev/ledgersaga/framework/core"
)

var factories = map[Type]func() Params{
	CreateBill:     func() Params { return &CreateBillParams{} },
	UpdateBill:     func() Params { return &UpdateBillParams{} },
	DeleteBill:     func() Params { return &DeleteBillParams{} },
	CreateInvoice:  func() Params { return &CreateInvoiceParams{} },
	SendInvoice:    func() Params { return &SendInvoiceParams{} },
	VoidInvoice:    func() Params { return &VoidInvoiceParams{} },
	RecordPayment:  func() Params { return &RecordPaymentParams{} },
	ExecutePayment: func() Params { return &ExecutePaymentParams{} },
	VoidPayment:    func() Params { return &VoidPaymentParams{} },
	CreateVendor:   func() Params { return &CreateVendorParams{} },
	DeleteVendor:   func() Params { return &DeleteVendorParams{} },
	CreateExpense:  func() Params { return &CreateExpenseParams{} },
	DeleteExpense:  func() Params { return &DeleteExpenseParams{} },
}

var validate *validator.Validate

func init() {
	validate = validator.New(validator.WithRequiredStructEnabled())
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})
}

// FieldViolation нарушение ограничения одного поля
type FieldViolation struct {
	Field string `json:"field"`
	Tag   string `json:"tag"`
}

// ParamsError ошибка разбора или проверки параметров действия
type ParamsError struct {
	ActionType Type
	Violations []FieldViolation
	Cause      error
}

// Error реализует интерфейс error
func (e *ParamsError) Error() string {
	if len(e.Violations) == 0 {
		return fmt.Sprintf("invalid parameters for %s: %v", e.ActionType, e.Cause)
	}
	parts := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		parts = append(parts, v.Field+" ("+v.Tag+")")
	}
	return fmt.Sprintf("invalid parameters for %s: %s", e.ActionType, strings.Join(parts, ", "))
}

// Unwrap возвращает исходную ошибку декодирования
func (e *ParamsError) Unwrap() error {
	return e.Cause
}

// ErrorCode все ошибки параметров являются ошибками бизнес-правил
func (e *ParamsError) ErrorCode() string {
	return core.ErrRule
}

// Decode превращает сырую карту параметров в вариант, соответствующий типу
// действия, и проверяет обязательные поля. Возвращается значение, не указатель.
func Decode(t Type, raw map[string]interface{}) (Params, error) {
	factory, ok := factories[t]
	if !ok {
		return nil, core.Errorf(core.ErrRule, "unknown action type %q", t)
	}

	target := factory()
	if err := decodeInto(raw, target); err != nil {
		return nil, &ParamsError{ActionType: t, Cause: err}
	}

	if err := validate.Struct(target); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			pe := &ParamsError{ActionType: t, Cause: err}
			for _, fe := range verrs {
				pe.Violations = append(pe.Violations, FieldViolation{
					Field: trimNamespace(fe.Namespace()),
					Tag:   fe.Tag(),
				})
			}
			sort.Slice(pe.Violations, func(i, j int) bool {
				return pe.Violations[i].Field < pe.Violations[j].Field
			})
			return nil, pe
		}
		return nil, &ParamsError{ActionType: t, Cause: err}
	}

	return reflect.ValueOf(target).Elem().Interface().(Params), nil
}

// RawAmount извлекает поле amount без полной проверки варианта
func RawAmount(raw map[string]interface{}) float64 {
	var probe struct {
		Amount float64 `json:"amount"`
	}
	if err := decodeInto(raw, &probe); err != nil {
		return 0
	}
	return probe.Amount
}

// RawCounterparty извлекает идентификатор контрагента без полной проверки
func RawCounterparty(raw map[string]interface{}) string {
	var probe struct {
		VendorID   string `json:"vendorId"`
		CustomerID string `json:"customerId"`
	}
	if err := decodeInto(raw, &probe); err != nil {
		return ""
	}
	if probe.VendorID != "" {
		return probe.VendorID
	}
	return probe.CustomerID
}

func decodeInto(raw map[string]interface{}, target interface{}) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		WeaklyTypedInput: true,
		Result:           target,
	})
	if err != nil {
		return err
	}
	return decoder.Decode(raw)
}

// trimNamespace убирает имя корневой структуры: CreateBillParams.vendorId -> vendorId
func trimNamespace(ns string) string {
	if i := strings.Index(ns, "."); i >= 0 {
		return ns[i+1:]
	}
	return ns
}
