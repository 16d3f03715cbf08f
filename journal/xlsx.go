package journal

import (
	"fmt"
	"io"

	"github.com/xuri/excelize/v2"
)

const xlsxSheet = "positions"

// WriteXLSX writes recs as a single-sheet workbook using the CSV column layout.
func WriteXLSX(w io.Writer, recs []Record) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", xlsxSheet); err != nil {
		return err
	}

	for c, h := range Header {
		cell, err := excelize.CoordinatesToCellName(c+1, 1)
		if err != nil {
			return err
		}
		if err := f.SetCellValue(xlsxSheet, cell, h); err != nil {
			return err
		}
	}

	for i, r := range recs {
		row := toRow(r)
		for c, v := range row {
			cell, err := excelize.CoordinatesToCellName(c+1, i+2)
			if err != nil {
				return err
			}
			var val any = v
			if c == 4 {
				val = r.StrategyID
			}
			if err := f.SetCellValue(xlsxSheet, cell, val); err != nil {
				return fmt.Errorf("cell %s: %w", cell, err)
			}
		}
	}

	return f.Write(w)
}
