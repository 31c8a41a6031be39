package main

import (
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"github.com/tealeg/xlsx/v2"
	"go.uber.org/zap"
)

var exportOut string

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the portfolio compliance report as an xlsx workbook",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEngine(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		file := xlsx.NewFile()

		snapSheet, err := file.AddSheet("Snapshots")
		if err != nil {
			return eris.Wrap(err, "export: add snapshot sheet")
		}
		header := snapSheet.AddRow()
		for _, h := range []string{"Building", "Address", "Score", "Risk", "Open Violations", "Critical", "Last Updated", "Stale"} {
			header.AddCell().Value = h
		}

		exported := 0
		for _, tb := range env.Buildings {
			snap, err := env.Engine.Store().GetSnapshot(ctx, tb.Building.ID)
			if err != nil {
				return err
			}
			if snap == nil {
				continue
			}
			row := snapSheet.AddRow()
			row.AddCell().Value = tb.Building.ID
			row.AddCell().Value = tb.Building.Address
			row.AddCell().SetFloatWithFormat(snap.Score, "0.0")
			row.AddCell().Value = string(snap.RiskLevel)
			row.AddCell().SetInt(snap.OpenViolations)
			row.AddCell().SetInt(snap.CriticalViolations)
			row.AddCell().Value = snap.LastUpdated.Format("2006-01-02 15:04")
			row.AddCell().SetBool(snap.Stale)
			exported++
		}

		detailSheet, err := file.AddSheet("Monthly Detail")
		if err != nil {
			return eris.Wrap(err, "export: add detail sheet")
		}
		detailHeader := detailSheet.AddRow()
		for _, h := range []string{"Building", "Month", "Violations", "Permits", "Sanitation", "Emissions Score"} {
			detailHeader.AddCell().Value = h
		}

		buckets, err := env.Engine.Store().AllBuckets(ctx)
		if err != nil {
			return err
		}
		for _, b := range buckets {
			row := detailSheet.AddRow()
			row.AddCell().Value = b.BuildingID
			row.AddCell().Value = string(b.Month)
			row.AddCell().SetInt(b.ViolationCount)
			row.AddCell().SetInt(b.PermitCount)
			row.AddCell().SetInt(b.DSNYCount)
			if b.EmissionsScore != nil {
				row.AddCell().SetFloatWithFormat(*b.EmissionsScore, "0.0")
			} else {
				row.AddCell().Value = ""
			}
		}

		if err := file.Save(exportOut); err != nil {
			return eris.Wrapf(err, "export: save %s", exportOut)
		}

		zap.L().Info("report exported",
			zap.String("path", exportOut),
			zap.Int("buildings", exported),
			zap.Int("bucket_rows", len(buckets)),
		)
		fmt.Println(exportOut)
		return nil
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportOut, "out", "compliance-report.xlsx", "output workbook path")
	rootCmd.AddCommand(exportCmd)
}
