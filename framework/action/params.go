package action

// Params типизированные параметры одного действия
type Params interface {
	// ActionType возвращает тип действия варианта
	ActionType() Type
	// MonetaryAmount возвращает сумму операции или 0
	MonetaryAmount() float64
	// CounterpartyID возвращает идентификатор контрагента, если он известен
	CounterpartyID() string
}

// LineItem строка документа
type LineItem struct {
	Description string  `json:"description" validate:"required"`
	Amount      float64 `json:"amount" validate:"gt=0"`
	Quantity    float64 `json:"quantity,omitempty" validate:"omitempty,gt=0"`
	AccountCode string  `json:"accountCode,omitempty"`
}

type CreateBillParams struct {
	VendorID    string     `json:"vendorId" validate:"required"`
	VendorName  string     `json:"vendorName,omitempty"`
	Amount      float64    `json:"amount" validate:"gt=0"`
	Currency    string     `json:"currency,omitempty" validate:"omitempty,len=3,uppercase"`
	BillNumber  string     `json:"billNumber,omitempty"`
	IssueDate   string     `json:"issueDate,omitempty" validate:"omitempty,datetime=2006-01-02"`
	DueDate     string     `json:"dueDate,omitempty" validate:"omitempty,datetime=2006-01-02"`
	Description string     `json:"description,omitempty"`
	LineItems   []LineItem `json:"lineItems,omitempty" validate:"omitempty,dive"`
}

func (p CreateBillParams) ActionType() Type        { return CreateBill }
func (p CreateBillParams) MonetaryAmount() float64 { return p.Amount }
func (p CreateBillParams) CounterpartyID() string  { return p.VendorID }

type UpdateBillParams struct {
	BillID      string  `json:"billId" validate:"required"`
	VendorID    string  `json:"vendorId,omitempty"`
	Amount      float64 `json:"amount,omitempty" validate:"omitempty,gt=0"`
	DueDate     string  `json:"dueDate,omitempty" validate:"omitempty,datetime=2006-01-02"`
	Description string  `json:"description,omitempty"`
}

func (p UpdateBillParams) ActionType() Type        { return UpdateBill }
func (p UpdateBillParams) MonetaryAmount() float64 { return p.Amount }
func (p UpdateBillParams) CounterpartyID() string  { return p.VendorID }

type DeleteBillParams struct {
	BillID   string `json:"billId" validate:"required"`
	VendorID string `json:"vendorId,omitempty"`
}

func (p DeleteBillParams) ActionType() Type        { return DeleteBill }
func (p DeleteBillParams) MonetaryAmount() float64 { return 0 }
func (p DeleteBillParams) CounterpartyID() string  { return p.VendorID }

type CreateInvoiceParams struct {
	CustomerID    string     `json:"customerId" validate:"required"`
	Amount        float64    `json:"amount" validate:"gt=0"`
	Currency      string     `json:"currency,omitempty" validate:"omitempty,len=3,uppercase"`
	InvoiceNumber string     `json:"invoiceNumber,omitempty"`
	DueDate       string     `json:"dueDate,omitempty" validate:"omitempty,datetime=2006-01-02"`
	Description   string     `json:"description,omitempty"`
	LineItems     []LineItem `json:"lineItems,omitempty" validate:"omitempty,dive"`
}

func (p CreateInvoiceParams) ActionType() Type        { return CreateInvoice }
func (p CreateInvoiceParams) MonetaryAmount() float64 { return p.Amount }
func (p CreateInvoiceParams) CounterpartyID() string  { return p.CustomerID }

type SendInvoiceParams struct {
	InvoiceID  string `json:"invoiceId" validate:"required"`
	CustomerID string `json:"customerId,omitempty"`
	Email      string `json:"email" validate:"required,email"`
}

func (p SendInvoiceParams) ActionType() Type        { return SendInvoice }
func (p SendInvoiceParams) MonetaryAmount() float64 { return 0 }
func (p SendInvoiceParams) CounterpartyID() string  { return p.CustomerID }

type VoidInvoiceParams struct {
	InvoiceID string `json:"invoiceId" validate:"required"`
}

func (p VoidInvoiceParams) ActionType() Type        { return VoidInvoice }
func (p VoidInvoiceParams) MonetaryAmount() float64 { return 0 }
func (p VoidInvoiceParams) CounterpartyID() string  { return "" }

// RecordPaymentParams фиксирует уже совершенную оплату счета или инвойса
type RecordPaymentParams struct {
	BillID    string  `json:"billId,omitempty" validate:"required_without=InvoiceID"`
	InvoiceID string  `json:"invoiceId,omitempty" validate:"required_without=BillID"`
	VendorID  string  `json:"vendorId,omitempty"`
	Amount    float64 `json:"amount" validate:"gt=0"`
	Currency  string  `json:"currency,omitempty" validate:"omitempty,len=3,uppercase"`
	PaidAt    string  `json:"paidAt,omitempty" validate:"omitempty,datetime=2006-01-02"`
	Method    string  `json:"method,omitempty" validate:"omitempty,oneof=ach wire check card cash other"`
}

func (p RecordPaymentParams) ActionType() Type        { return RecordPayment }
func (p RecordPaymentParams) MonetaryAmount() float64 { return p.Amount }
func (p RecordPaymentParams) CounterpartyID() string  { return p.VendorID }

// ExecutePaymentParams инициирует перевод денег поставщику
type ExecutePaymentParams struct {
	BillID         string  `json:"billId" validate:"required"`
	VendorID       string  `json:"vendorId" validate:"required"`
	Amount         float64 `json:"amount" validate:"gt=0"`
	Currency       string  `json:"currency,omitempty" validate:"omitempty,len=3,uppercase"`
	FundingAccount string  `json:"fundingAccount" validate:"required"`
	ProcessDate    string  `json:"processDate,omitempty" validate:"omitempty,datetime=2006-01-02"`
}

func (p ExecutePaymentParams) ActionType() Type        { return ExecutePayment }
func (p ExecutePaymentParams) MonetaryAmount() float64 { return p.Amount }
func (p ExecutePaymentParams) CounterpartyID() string  { return p.VendorID }

type VoidPaymentParams struct {
	PaymentID string `json:"paymentId" validate:"required"`
	Reason    string `json:"reason,omitempty"`
}

func (p VoidPaymentParams) ActionType() Type        { return VoidPayment }
func (p VoidPaymentParams) MonetaryAmount() float64 { return 0 }
func (p VoidPaymentParams) CounterpartyID() string  { return "" }

type CreateVendorParams struct {
	Name    string `json:"name" validate:"required"`
	Email   string `json:"email,omitempty" validate:"omitempty,email"`
	TaxID   string `json:"taxId,omitempty"`
	Address string `json:"address,omitempty"`
}

func (p CreateVendorParams) ActionType() Type        { return CreateVendor }
func (p CreateVendorParams) MonetaryAmount() float64 { return 0 }
func (p CreateVendorParams) CounterpartyID() string  { return "" }

type DeleteVendorParams struct {
	VendorID string `json:"vendorId" validate:"required"`
}

func (p DeleteVendorParams) ActionType() Type        { return DeleteVendor }
func (p DeleteVendorParams) MonetaryAmount() float64 { return 0 }
func (p DeleteVendorParams) CounterpartyID() string  { return p.VendorID }

type CreateExpenseParams struct {
	VendorID    string  `json:"vendorId,omitempty"`
	Amount      float64 `json:"amount" validate:"gt=0"`
	Currency    string  `json:"currency,omitempty" validate:"omitempty,len=3,uppercase"`
	Category    string  `json:"category" validate:"required"`
	Date        string  `json:"date,omitempty" validate:"omitempty,datetime=2006-01-02"`
	Description string  `json:"description,omitempty"`
}

func (p CreateExpenseParams) ActionType() Type        { return CreateExpense }
func (p CreateExpenseParams) MonetaryAmount() float64 { return p.Amount }
func (p CreateExpenseParams) CounterpartyID() string  { return p.VendorID }

type DeleteExpenseParams struct {
	ExpenseID string `json:"expenseId" validate:"required"`
}

func (p DeleteExpenseParams) ActionType() Type        { return DeleteExpense }
func (p DeleteExpenseParams) MonetaryAmount() float64 { return 0 }
func (p DeleteExpenseParams) CounterpartyID() string  { return "" }
