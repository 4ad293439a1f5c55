package billing

import (
	"context"
	"fmt"
	"io"

	"github.com/xuri/excelize/v2"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

const statementSheet = "Statement"

// statementLimit caps how many entries an export includes.
const statementLimit = 1000

// WriteStatement writes an XLSX account statement to w: one row per ledger
// entry, newest first, with the current balance in the header.
func WriteStatement(ctx context.Context, ledger LedgerStore, accountID string, w io.Writer) error {
	balance, err := ledger.GetBalance(ctx, accountID)
	if err != nil {
		return err
	}
	entries, err := ledger.Entries(ctx, accountID, statementLimit)
	if err != nil {
		return err
	}

	f := excelize.NewFile()
	defer f.Close()

	f.SetSheetName("Sheet1", statementSheet)

	printer := message.NewPrinter(language.English)
	f.SetCellValue(statementSheet, "A1", "Account")
	f.SetCellValue(statementSheet, "B1", accountID)
	f.SetCellValue(statementSheet, "A2", "Balance")
	f.SetCellValue(statementSheet, "B2", printer.Sprintf("%d tokens", balance))

	headers := []string{"Date", "Kind", "Amount", "Balance After", "Request"}
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 4)
		f.SetCellValue(statementSheet, cell, h)
	}

	for i, entry := range entries {
		row := i + 5
		f.SetCellValue(statementSheet, fmt.Sprintf("A%d", row), entry.CreatedAt.Format("2006-01-02 15:04:05"))
		f.SetCellValue(statementSheet, fmt.Sprintf("B%d", row), string(entry.Kind))
		f.SetCellValue(statementSheet, fmt.Sprintf("C%d", row), entry.Amount)
		f.SetCellValue(statementSheet, fmt.Sprintf("D%d", row), entry.BalanceAfter)
		f.SetCellValue(statementSheet, fmt.Sprintf("E%d", row), entry.RequestID)
	}

	if err := f.Write(w); err != nil {
		return fmt.Errorf("write statement: %w", err)
	}
	return nil
}
