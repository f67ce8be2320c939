package export

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
)

// writeXLSX renders datasets as a minimal Office Open XML workbook, one
// worksheet per data type, all cells as inline strings.
//
// No spreadsheet library is used: an xlsx file is a zip of a handful of
// XML parts, and inline-string sheets need only the fixed parts emitted
// here. The output opens in Excel, LibreOffice and Sheets.
func writeXLSX(w io.Writer, datasets []dataset) error {
	zw := zip.NewWriter(w)

	if err := writeZipEntry(zw, "[Content_Types].xml", contentTypesXML(len(datasets))); err != nil {
		return err
	}
	if err := writeZipEntry(zw, "_rels/.rels", rootRelsXML); err != nil {
		return err
	}
	if err := writeZipEntry(zw, "xl/workbook.xml", workbookXML(datasets)); err != nil {
		return err
	}
	if err := writeZipEntry(zw, "xl/_rels/workbook.xml.rels", workbookRelsXML(len(datasets))); err != nil {
		return err
	}

	for i, ds := range datasets {
		sheet, err := worksheetXML(ds)
		if err != nil {
			return err
		}
		name := fmt.Sprintf("xl/worksheets/sheet%d.xml", i+1)
		if err := writeZipEntry(zw, name, sheet); err != nil {
			return err
		}
	}

	if err := zw.Close(); err != nil {
		return fmt.Errorf("close xlsx archive: %w", err)
	}
	return nil
}

func writeZipEntry(zw *zip.Writer, name, content string) error {
	f, err := zw.Create(name)
	if err != nil {
		return fmt.Errorf("create xlsx part %s: %w", name, err)
	}
	if _, err := io.WriteString(f, content); err != nil {
		return fmt.Errorf("write xlsx part %s: %w", name, err)
	}
	return nil
}

const xmlHeader = `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>` + "\n"

const rootRelsXML = xmlHeader +
	`<Relationships xmlns="http://schemas.openxmlformats.org/package/2006/relationships">` +
	`<Relationship Id="rId1" Type="http://schemas.openxmlformats.org/officeDocument/2006/relationships/officeDocument" Target="xl/workbook.xml"/>` +
	`</Relationships>`

func contentTypesXML(sheets int) string {
	var b bytes.Buffer
	b.WriteString(xmlHeader)
	b.WriteString(`<Types xmlns="http://schemas.openxmlformats.org/package/2006/content-types">`)
	b.WriteString(`<Default Extension="rels" ContentType="application/vnd.openxmlformats-package.relationships+xml"/>`)
	b.WriteString(`<Default Extension="xml" ContentType="application/xml"/>`)
	b.WriteString(`<Override PartName="/xl/workbook.xml" ContentType="application/vnd.openxmlformats-officedocument.spreadsheetml.sheet.main+xml"/>`)
	for i := 1; i <= sheets; i++ {
		fmt.Fprintf(&b, `<Override PartName="/xl/worksheets/sheet%d.xml" ContentType="application/vnd.openxmlformats-officedocument.spreadsheetml.worksheet+xml"/>`, i)
	}
	b.WriteString(`</Types>`)
	return b.String()
}

func workbookXML(datasets []dataset) string {
	var b bytes.Buffer
	b.WriteString(xmlHeader)
	b.WriteString(`<workbook xmlns="http://schemas.openxmlformats.org/spreadsheetml/2006/main" xmlns:r="http://schemas.openxmlformats.org/officeDocument/2006/relationships"><sheets>`)
	for i, ds := range datasets {
		fmt.Fprintf(&b, `<sheet name="%s" sheetId="%d" r:id="rId%d"/>`, escapeXML(sheetName(ds.Name)), i+1, i+1)
	}
	b.WriteString(`</sheets></workbook>`)
	return b.String()
}

func workbookRelsXML(sheets int) string {
	var b bytes.Buffer
	b.WriteString(xmlHeader)
	b.WriteString(`<Relationships xmlns="http://schemas.openxmlformats.org/package/2006/relationships">`)
	for i := 1; i <= sheets; i++ {
		fmt.Fprintf(&b, `<Relationship Id="rId%d" Type="http://schemas.openxmlformats.org/officeDocument/2006/relationships/worksheet" Target="worksheets/sheet%d.xml"/>`, i, i)
	}
	b.WriteString(`</Relationships>`)
	return b.String()
}

func worksheetXML(ds dataset) (string, error) {
	var b bytes.Buffer
	b.WriteString(xmlHeader)
	b.WriteString(`<worksheet xmlns="http://schemas.openxmlformats.org/spreadsheetml/2006/main"><sheetData>`)

	if err := writeRow(&b, ds.Columns); err != nil {
		return "", err
	}
	for _, row := range ds.Rows {
		if err := writeRow(&b, row); err != nil {
			return "", err
		}
	}

	b.WriteString(`</sheetData></worksheet>`)
	return b.String(), nil
}

func writeRow(b *bytes.Buffer, cells []string) error {
	b.WriteString(`<row>`)
	for _, cell := range cells {
		b.WriteString(`<c t="inlineStr"><is><t xml:space="preserve">`)
		if err := xml.EscapeText(b, []byte(cell)); err != nil {
			return fmt.Errorf("escape cell value: %w", err)
		}
		b.WriteString(`</t></is></c>`)
	}
	b.WriteString(`</row>`)
	return nil
}

// sheetName clamps a data type to Excel's 31-character sheet name limit.
func sheetName(name string) string {
	if len(name) > 31 {
		return name[:31]
	}
	return name
}

func escapeXML(s string) string {
	var b bytes.Buffer
	_ = xml.EscapeText(&b, []byte(s))
	return b.String()
}
