package matching

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/shenxingy/ai-ap-manager-sub001/internal/ap"
	"github.com/shenxingy/ai-ap-manager-sub001/internal/procurement"
	"github.com/shenxingy/ai-ap-manager-sub001/internal/shared"
	"github.com/shenxingy/ai-ap-manager-sub001/internal/tolerance"
)

var hundred = decimal.NewFromInt(100)

// Input is everything one match run reads. PO is nil for non-PO invoices and
// Receipts may be empty.
type Input struct {
	Invoice   ap.Invoice
	PO        *procurement.PurchaseOrder
	Receipts  []procurement.GoodsReceipt
	Tolerance tolerance.Config
}

// Engine reconciles an invoice against its purchase order and receipts. It is
// pure: it reads its input and returns a new Result.
type Engine struct {
	now   func() time.Time
	newID func() uuid.UUID
}

// NewEngine builds an engine stamping results with the wall clock.
func NewEngine() *Engine {
	return &Engine{now: func() time.Time { return time.Now().UTC() }, newID: uuid.New}
}

// Match runs the 2-way, 3-way or non-PO reconciliation selected by the input.
func (e *Engine) Match(in Input) (Result, error) {
	if err := validateInput(in); err != nil {
		return Result{}, err
	}
	res := Result{
		ID:               e.newID(),
		InvoiceID:        in.Invoice.ID,
		ToleranceVersion: in.Tolerance.Version,
		CreatedAt:        e.now(),
		InvoiceAmount:    decimal.Zero,
		Exceptions:       []Exception{},
	}
	for _, line := range in.Invoice.Lines {
		res.InvoiceAmount = res.InvoiceAmount.Add(line.Amount())
	}

	if in.Invoice.PurchaseOrderID == nil || in.PO == nil {
		return matchNonPO(res, in.Invoice), nil
	}

	res.Type = TypeTwoWay
	threeWay := procurement.HasPostedReceipt(in.Receipts)
	if threeWay {
		res.Type = TypeThreeWay
	}
	received := procurement.ReceivedByLine(in.Receipts)

	if in.PO.Currency != "" && in.PO.Currency != in.Invoice.Currency {
		res.Exceptions = append(res.Exceptions, Exception{
			Code:    CodeCurrencyMismatch,
			Message: fmt.Sprintf("invoice currency %s differs from purchase order currency %s", in.Invoice.Currency, in.PO.Currency),
		})
	}
	if in.PO.VendorID != uuid.Nil && in.PO.VendorID != in.Invoice.VendorID {
		res.Exceptions = append(res.Exceptions, Exception{
			Code:    CodeVendorMismatch,
			Message: "invoice vendor differs from purchase order vendor",
		})
	}

	aggInvoice, aggPO := decimal.Zero, decimal.Zero
	for _, line := range in.Invoice.Lines {
		lm, excs := matchLine(line, *in.PO, received, threeWay, in.Tolerance)
		if lm.POAmount != nil {
			aggInvoice = aggInvoice.Add(lm.InvoiceAmount)
			aggPO = aggPO.Add(*lm.POAmount)
		}
		res.Lines = append(res.Lines, lm)
		res.Exceptions = append(res.Exceptions, excs...)
	}

	aggDiff := aggInvoice.Sub(aggPO)
	res.POAmount = &aggPO
	res.AmountVariance = &aggDiff
	res.VariancePct = variancePct(aggDiff, aggPO)
	res.Status = aggregateStatus(res, in.Tolerance, aggDiff)
	if res.Status == StatusException && len(res.Exceptions) == 0 {
		res.Exceptions = append(res.Exceptions, Exception{
			Code:    CodeAggregateOverTolerance,
			Message: fmt.Sprintf("aggregate variance %s exceeds tolerance", aggDiff.String()),
		})
	}
	return res, nil
}

func matchNonPO(res Result, inv ap.Invoice) Result {
	res.Type = TypeNonPO
	res.Status = StatusException
	for _, line := range inv.Lines {
		res.Lines = append(res.Lines, LineMatch{
			LineNo:        line.LineNo,
			POLineNo:      line.POLineNo,
			Status:        LineUnmatched,
			InvoiceAmount: line.Amount(),
			InvoiceQty:    line.Quantity,
			ExceptionCode: CodeNoPurchaseOrder,
		})
	}
	res.Exceptions = append(res.Exceptions, Exception{
		Code:    CodeNoPurchaseOrder,
		Message: "invoice has no purchase order and requires manual review",
	})
	return res
}

func matchLine(line ap.InvoiceLine, po procurement.PurchaseOrder, received map[int]decimal.Decimal, threeWay bool, tol tolerance.Config) (LineMatch, []Exception) {
	lm := LineMatch{
		LineNo:        line.LineNo,
		POLineNo:      line.POLineNo,
		InvoiceAmount: line.Amount(),
		InvoiceQty:    line.Quantity,
	}
	unmatched := func(code, msg string) (LineMatch, []Exception) {
		lm.Status = LineUnmatched
		lm.ExceptionCode = code
		return lm, []Exception{{Code: code, LineNo: line.LineNo, Message: msg}}
	}

	if line.POLineNo == nil {
		return unmatched(CodePOLineNotLinked, "invoice line is not linked to a purchase order line")
	}
	poLine, ok := po.Line(*line.POLineNo)
	if !ok {
		return unmatched(CodePOLineNotFound, fmt.Sprintf("purchase order has no line %d", *line.POLineNo))
	}

	poAmount := poLine.Amount()
	diff := lm.InvoiceAmount.Sub(poAmount)
	lm.POAmount = &poAmount
	lm.AmountVariance = &diff
	lm.VariancePct = variancePct(diff, poAmount)
	priceOK := amountWithin(tol, diff, poAmount)

	qtyOK := true
	var qtyDiff decimal.Decimal
	if threeWay {
		got, ok := received[poLine.LineNo]
		if !ok {
			return unmatched(CodeGRNNotFound, fmt.Sprintf("no goods receipt recorded for purchase order line %d", poLine.LineNo))
		}
		qtyDiff = line.Quantity.Sub(got)
		lm.ReceivedQty = &got
		lm.QtyVariance = &qtyDiff
		qtyOK = tol.QtyWithin(qtyDiff, got)
	}

	var excs []Exception
	if !qtyOK {
		code := CodeQtyShortReceived
		msg := fmt.Sprintf("invoiced quantity %s exceeds received %s", line.Quantity.String(), lm.ReceivedQty.String())
		if qtyDiff.IsNegative() {
			code = CodeQtyOverReceived
			msg = fmt.Sprintf("invoiced quantity %s is below received %s", line.Quantity.String(), lm.ReceivedQty.String())
		}
		excs = append(excs, Exception{Code: code, LineNo: line.LineNo, Message: msg})
	}
	if !priceOK {
		excs = append(excs, Exception{
			Code:    CodePriceOverTolerance,
			LineNo:  line.LineNo,
			Message: fmt.Sprintf("line amount %s differs from purchase order amount %s", lm.InvoiceAmount.String(), poAmount.String()),
		})
	}
	switch {
	case !qtyOK:
		lm.Status = LineQtyVariance
	case !priceOK:
		lm.Status = LinePriceVariance
	default:
		lm.Status = LineMatched
	}
	if len(excs) > 0 {
		lm.ExceptionCode = excs[0].Code
	}
	return lm, excs
}

func aggregateStatus(res Result, tol tolerance.Config, aggDiff decimal.Decimal) Status {
	allMatched := true
	for _, lm := range res.Lines {
		if lm.Status == LineUnmatched {
			return StatusException
		}
		if lm.Status != LineMatched {
			allMatched = false
		}
	}
	for _, exc := range res.Exceptions {
		if exc.LineNo == 0 {
			return StatusException
		}
	}
	if allMatched {
		return StatusMatched
	}
	if amountWithin(tol, aggDiff, *res.POAmount) {
		return StatusPartial
	}
	return StatusException
}

// amountWithin applies the amount tolerance. The percentage test is skipped
// when the reference amount is zero.
func amountWithin(tol tolerance.Config, diff, reference decimal.Decimal) bool {
	if diff.IsZero() {
		return true
	}
	var pct *decimal.Decimal
	if !reference.IsZero() {
		p := diff.Div(reference).Mul(hundred)
		pct = &p
	}
	return tol.AmountWithin(diff, pct)
}

func variancePct(diff, reference decimal.Decimal) *decimal.Decimal {
	if reference.IsZero() {
		return nil
	}
	pct := diff.Div(reference.Abs()).Mul(hundred).Round(4)
	return &pct
}

func validateInput(in Input) error {
	if err := shared.ValidateStruct("matching.Match", in.Invoice); err != nil {
		return err
	}
	if in.PO != nil {
		if err := shared.ValidateStruct("matching.Match", *in.PO); err != nil {
			return err
		}
	}
	return in.Tolerance.Validate()
}
