// Package report renders order lists as XLSX workbooks.
package report

import (
	"bytes"
	"fmt"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/Modulys-Pax/erp-sub000/internal/domain"
)

const ContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

var orderHeader = []any{"number", "status", "branch_id", "counterparty_id", "date", "lines", "ordered_qty", "fulfilled_qty", "total", "created_by", "created_at"}

type orderRow struct {
	number         string
	status         string
	branchID       string
	counterpartyID string
	date           *time.Time
	lines          []domain.OrderLine
	total          string
	createdBy      string
	createdAt      time.Time
}

func PurchaseOrdersWorkbook(orders []domain.PurchaseOrder) ([]byte, error) {
	rows := make([]orderRow, 0, len(orders))
	for _, po := range orders {
		rows = append(rows, orderRow{
			number:         po.Number,
			status:         string(po.Status),
			branchID:       po.BranchID,
			counterpartyID: po.SupplierID,
			date:           po.ExpectedDeliveryDate,
			lines:          po.Lines,
			total:          po.Total.StringFixed(2),
			createdBy:      po.CreatedBy,
			createdAt:      po.CreatedAt,
		})
	}
	return render("Purchase orders", rows)
}

func SalesOrdersWorkbook(orders []domain.SalesOrder) ([]byte, error) {
	rows := make([]orderRow, 0, len(orders))
	for _, so := range orders {
		rows = append(rows, orderRow{
			number:         so.Number,
			status:         string(so.Status),
			branchID:       so.BranchID,
			counterpartyID: so.CustomerID,
			date:           so.OrderDate,
			lines:          so.Lines,
			total:          so.Total.StringFixed(2),
			createdBy:      so.CreatedBy,
			createdAt:      so.CreatedAt,
		})
	}
	return render("Sales orders", rows)
}

func render(sheet string, rows []orderRow) ([]byte, error) {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	if err := f.SetSheetName(f.GetSheetName(f.GetActiveSheetIndex()), sheet); err != nil {
		return nil, err
	}
	if err := f.SetSheetRow(sheet, "A1", &orderHeader); err != nil {
		return nil, fmt.Errorf("write header: %w", err)
	}

	for i, r := range rows {
		ordered, fulfilled := 0.0, 0.0
		for _, line := range r.lines {
			ordered += line.Quantity.InexactFloat64()
			fulfilled += line.FulfilledQuantity.InexactFloat64()
		}
		date := ""
		if r.date != nil {
			date = r.date.UTC().Format("2006-01-02")
		}
		values := []any{
			r.number,
			r.status,
			r.branchID,
			r.counterpartyID,
			date,
			len(r.lines),
			ordered,
			fulfilled,
			r.total,
			r.createdBy,
			r.createdAt.UTC().Format(time.RFC3339),
		}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return nil, err
		}
		if err := f.SetSheetRow(sheet, cell, &values); err != nil {
			return nil, fmt.Errorf("write row %d: %w", i+2, err)
		}
	}

	buf := &bytes.Buffer{}
	if err := f.Write(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
