package reports

import (
	"fmt"
	"io"

	"github.com/mmdatafocus/cashback_backend/models"
	"github.com/xuri/excelize/v2"
)

const (
	levelsSheet  = "Levels"
	membersSheet = "Members"
)

// NetworkMember is one row of the members sheet.
type NetworkMember struct {
	Level       int
	AffiliateId string
	Name        string
	SponsorId   string
	IsActive    bool
}

// WriteNetworkExcel renders the downline report of one affiliate as an xlsx workbook.
func WriteNetworkExcel(w io.Writer, affiliateId string, counts []models.NetworkLevelCount, members []NetworkMember) error {
	f := excelize.NewFile()
	defer f.Close()

	// A new workbook starts with "Sheet1"; rename it rather than leave an empty sheet behind.
	if err := f.SetSheetName("Sheet1", levelsSheet); err != nil {
		return err
	}
	if _, err := f.NewSheet(membersSheet); err != nil {
		return err
	}

	rows := [][]interface{}{
		{"Affiliate", affiliateId},
		{"Level", "Total", "Active"},
	}
	total, active := 0, 0
	for _, c := range counts {
		rows = append(rows, []interface{}{c.Level, c.Total, c.Active})
		total += c.Total
		active += c.Active
	}
	rows = append(rows, []interface{}{"Total", total, active})
	if err := writeRows(f, levelsSheet, rows); err != nil {
		return err
	}

	memberRows := [][]interface{}{{"Level", "AffiliateId", "Name", "SponsorId", "Active"}}
	for _, m := range members {
		memberRows = append(memberRows, []interface{}{m.Level, m.AffiliateId, m.Name, m.SponsorId, m.IsActive})
	}
	if err := writeRows(f, membersSheet, memberRows); err != nil {
		return err
	}

	return f.Write(w)
}

func writeRows(f *excelize.File, sheet string, rows [][]interface{}) error {
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return err
		}
		r := row
		if err := f.SetSheetRow(sheet, cell, &r); err != nil {
			return fmt.Errorf("sheet %s row %d: %w", sheet, i+1, err)
		}
	}
	return nil
}
