package parser

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"regulatory-rag/internal/models"

	"github.com/ledongthuc/pdf"
	"github.com/nguyenthenguyen/docx"
	"github.com/rs/zerolog/log"
	"github.com/tealeg/xlsx"
	"github.com/xuri/excelize/v2"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/text"
)

const processedExt = ".json"

// ExtractPages converts a raw document into cleaned, non-empty pages.
// Every failure wraps models.ErrExtraction.
func ExtractPages(filePath string) ([]models.Page, error) {
	var (
		pages []models.Page
		err   error
	)

	ext := strings.ToLower(filepath.Ext(filePath))
	switch ext {
	case ".pdf":
		pages, err = parsePDF(filePath)
	case ".docx":
		pages, err = parseDOCX(filePath)
	case ".xlsx":
		pages, err = parseXLSX(filePath)
	case ".xlsm":
		pages, err = parseXLSM(filePath)
	case ".md":
		pages, err = parseMarkdown(filePath)
	case ".txt":
		pages, err = parseText(filePath)
	default:
		return nil, fmt.Errorf("%w: unsupported file format: %s", models.ErrExtraction, ext)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", models.ErrExtraction, filePath, err)
	}

	cleaned := pages[:0]
	for _, p := range pages {
		p.Text = CleanText(p.Text)
		if p.Text != "" {
			cleaned = append(cleaned, p)
		}
	}
	return cleaned, nil
}

// SupportedFile reports whether ExtractPages understands the file extension.
func SupportedFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".pdf", ".docx", ".xlsx", ".xlsm", ".md", ".txt":
		return true
	}
	return false
}

// CleanText collapses blank-line pairs and trims surrounding whitespace.
func CleanText(s string) string {
	return strings.TrimSpace(strings.ReplaceAll(s, "\n\n", "\n"))
}

func parsePDF(filePath string) ([]models.Page, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return nil, err
	}

	reader, err := pdf.NewReader(f, stat.Size())
	if err != nil {
		return nil, err
	}

	var pages []models.Page
	for i := 1; i <= reader.NumPage(); i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		pageText, err := page.GetPlainText(nil)
		if err != nil {
			return nil, fmt.Errorf("page %d: %v", i, err)
		}
		pages = append(pages, models.Page{PageNumber: i, Text: pageText})
	}
	return pages, nil
}

func parseDOCX(filePath string) ([]models.Page, error) {
	r, err := docx.ReadDocxFile(filePath)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	// DOCX has no page numbers
	content := r.Editable().GetContent()
	return []models.Page{{PageNumber: 1, Text: extractTextFromXML(content, "w:t", "</w:p>")}}, nil
}

func parseXLSX(filePath string) ([]models.Page, error) {
	f, err := xlsx.OpenFile(filePath)
	if err != nil {
		return nil, err
	}

	var pages []models.Page
	for sheetNum, sheet := range f.Sheets {
		var b strings.Builder
		b.WriteString(fmt.Sprintf("Sheet: %s\n", sheet.Name))
		for _, row := range sheet.Rows {
			for _, cell := range row.Cells {
				b.WriteString(cell.String() + "\t")
			}
			b.WriteString("\n")
		}
		pages = append(pages, models.Page{PageNumber: sheetNum + 1, Text: b.String()})
	}
	return pages, nil
}

func parseXLSM(filePath string) ([]models.Page, error) {
	f, err := excelize.OpenFile(filePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var pages []models.Page
	for sheetNum, sheetName := range f.GetSheetList() {
		rows, err := f.GetRows(sheetName)
		if err != nil {
			log.Warn().Err(err).Str("sheet", sheetName).Msg("Skipping unreadable sheet")
			continue
		}
		var b strings.Builder
		b.WriteString(fmt.Sprintf("Sheet: %s\n", sheetName))
		for _, row := range rows {
			b.WriteString(strings.Join(row, "\t"))
			b.WriteString("\n")
		}
		pages = append(pages, models.Page{PageNumber: sheetNum + 1, Text: b.String()})
	}
	return pages, nil
}

func parseMarkdown(filePath string) ([]models.Page, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}
	plain, err := markdownToText(data)
	if err != nil {
		return nil, err
	}
	return []models.Page{{PageNumber: 1, Text: plain}}, nil
}

// parseText treats form feeds as page breaks.
func parseText(filePath string) ([]models.Page, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}
	var pages []models.Page
	for i, chunk := range strings.Split(string(data), "\f") {
		pages = append(pages, models.Page{PageNumber: i + 1, Text: chunk})
	}
	return pages, nil
}

// markdownToText walks the goldmark AST and keeps only the readable text,
// one block per line.
func markdownToText(src []byte) (string, error) {
	md := goldmark.New(goldmark.WithExtensions(extension.GFM))
	doc := md.Parser().Parse(text.NewReader(src))

	var buf bytes.Buffer
	err := ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			if n.Type() == ast.TypeBlock && n.Kind() != ast.KindDocument {
				buf.WriteByte('\n')
			}
			return ast.WalkContinue, nil
		}
		switch node := n.(type) {
		case *ast.Text:
			buf.Write(node.Segment.Value(src))
			if node.SoftLineBreak() || node.HardLineBreak() {
				buf.WriteByte('\n')
			}
		case *ast.String:
			buf.Write(node.Value)
		case *ast.CodeBlock, *ast.FencedCodeBlock:
			lines := n.Lines()
			for i := 0; i < lines.Len(); i++ {
				seg := lines.At(i)
				buf.Write(seg.Value(src))
			}
			return ast.WalkSkipChildren, nil
		}
		return ast.WalkContinue, nil
	})
	if err != nil {
		return "", err
	}
	return buf.String(), nil
}

// extractTextFromXML pulls the text runs of tag out of an OOXML part,
// starting a new line at every breakTag.
func extractTextFromXML(xmlContent, tag, breakTag string) string {
	var b strings.Builder
	open, closing := "<"+tag, "</"+tag+">"
	for _, para := range strings.Split(xmlContent, breakTag) {
		parts := strings.Split(para, open)
		wrote := false
		for i, part := range parts {
			if i == 0 {
				continue
			}
			// skip attributes, e.g. <w:t xml:space="preserve">
			start := strings.Index(part, ">")
			end := strings.Index(part, closing)
			if start < 0 || end < start {
				continue
			}
			b.WriteString(part[start+1 : end])
			wrote = true
		}
		if wrote {
			b.WriteString("\n")
		}
	}
	return b.String()
}

// ReadProcessedDocument loads a processed JSON file of {page_number, text} records.
func ReadProcessedDocument(path string) (models.ProcessedDocument, error) {
	fileName := filepath.Base(path)
	doc := models.ProcessedDocument{
		Name:     strings.TrimSuffix(fileName, processedExt),
		FileName: fileName,
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return doc, fmt.Errorf("%w: %v", models.ErrExtraction, err)
	}
	if err := json.Unmarshal(data, &doc.Pages); err != nil {
		return doc, fmt.Errorf("%w: invalid processed document %s: %v", models.ErrExtraction, fileName, err)
	}
	sort.SliceStable(doc.Pages, func(i, j int) bool { return doc.Pages[i].PageNumber < doc.Pages[j].PageNumber })
	return doc, nil
}

// WriteProcessedDocument stores pages as <dir>/<name>.json.
func WriteProcessedDocument(dir, name string, pages []models.Page) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	data, err := json.MarshalIndent(pages, "", "  ")
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, name+processedExt)
	return path, os.WriteFile(path, data, 0o644)
}

// ListProcessedDocuments returns the processed JSON files in dir, sorted by name.
func ListProcessedDocuments(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), processedExt) {
			continue
		}
		paths = append(paths, filepath.Join(dir, e.Name()))
	}
	sort.Strings(paths)
	return paths, nil
}

// DocumentNames lists processed document names without the .json extension.
func DocumentNames(dir string) ([]string, error) {
	paths, err := ListProcessedDocuments(dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(paths))
	for _, p := range paths {
		names = append(names, strings.TrimSuffix(filepath.Base(p), processedExt))
	}
	return names, nil
}

// ExtractDirectory converts every supported file under rawDir into processedDir.
// A file that fails is logged and skipped.
func ExtractDirectory(rawDir, processedDir string) (written, failed int, err error) {
	err = filepath.WalkDir(rawDir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() || !SupportedFile(d.Name()) {
			return nil
		}

		log.Info().Str("file", path).Msg("Extracting document")
		pages, err := ExtractPages(path)
		if err != nil {
			log.Error().Err(err).Str("file", path).Msg("Failed to extract document")
			failed++
			return nil
		}
		name := strings.TrimSuffix(d.Name(), filepath.Ext(d.Name()))
		out, err := WriteProcessedDocument(processedDir, name, pages)
		if err != nil {
			log.Error().Err(err).Str("file", path).Msg("Failed to save processed document")
			failed++
			return nil
		}
		log.Info().Str("file", out).Int("pages", len(pages)).Msg("Saved processed document")
		written++
		return nil
	})
	return written, failed, err
}
