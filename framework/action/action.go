// Package action описывает каталог действий над учетными системами:
// типизированные параметры для каждого типа действия и таблицу
// компенсирующих операций.
package action

// Type тип действия
type Type string

const (
	CreateBill     Type = "create_bill"
	UpdateBill     Type = "update_bill"
	DeleteBill     Type = "delete_bill"
	CreateInvoice  Type = "create_invoice"
	SendInvoice    Type = "send_invoice"
	VoidInvoice    Type = "void_invoice"
	RecordPayment  Type = "record_payment"
	ExecutePayment Type = "execute_payment"
	VoidPayment    Type = "void_payment"
	CreateVendor   Type = "create_vendor"
	DeleteVendor   Type = "delete_vendor"
	CreateExpense  Type = "create_expense"
	DeleteExpense  Type = "delete_expense"
)

// String возвращает строковое представление типа
func (t Type) String() string {
	return string(t)
}

// inverses таблица компенсаций: действие -> обратное действие на той же системе
var inverses = map[Type]Type{
	CreateBill:     DeleteBill,
	CreateInvoice:  VoidInvoice,
	RecordPayment:  VoidPayment,
	ExecutePayment: VoidPayment,
	CreateVendor:   DeleteVendor,
	CreateExpense:  DeleteExpense,
}

// Inverse возвращает компенсирующее действие
func Inverse(t Type) (Type, bool) {
	inv, ok := inverses[t]
	return inv, ok
}

// IsCompensatable проверяет, есть ли у действия безопасная обратная операция
func IsCompensatable(t Type) bool {
	_, ok := inverses[t]
	return ok
}

// Known проверяет, что тип действия есть в каталоге
func Known(t Type) bool {
	_, ok := factories[t]
	return ok
}

// Types возвращает все известные типы действий в стабильном порядке
func Types() []Type {
	return []Type{
		CreateBill, UpdateBill, DeleteBill,
		CreateInvoice, SendInvoice, VoidInvoice,
		RecordPayment, ExecutePayment, VoidPayment,
		CreateVendor, DeleteVendor,
		CreateExpense, DeleteExpense,
	}
}
