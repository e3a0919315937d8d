package kis

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/text/encoding/korean"
	"golang.org/x/text/transform"

	"tradegate/internal/domain"
)

// Master file columns (tab separated, CP949 encoded).
const (
	masterSymbol      = 4
	masterDisplayName = 7
)

// loadSymbols reads an exchange master file such as NASMST.COD.
func loadSymbols(path string) ([]domain.SymbolInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening symbols master: %w", err)
	}
	defer f.Close()
	return parseSymbols(f)
}

// parseSymbols decodes master file rows. Rows missing a symbol or a name
// are skipped.
func parseSymbols(r io.Reader) ([]domain.SymbolInfo, error) {
	sc := bufio.NewScanner(transform.NewReader(r, korean.EUCKR.NewDecoder()))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var out []domain.SymbolInfo
	for sc.Scan() {
		fields := strings.Split(strings.TrimRight(sc.Text(), "\r"), "\t")
		if len(fields) <= masterDisplayName {
			continue
		}
		symbol := strings.TrimSpace(fields[masterSymbol])
		name := strings.TrimSpace(fields[masterDisplayName])
		if symbol == "" || name == "" {
			continue
		}
		out = append(out, domain.SymbolInfo{Symbol: symbol, DisplayName: name})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading symbols master: %w", err)
	}
	return out, nil
}
