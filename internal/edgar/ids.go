package edgar

import (
	"fmt"
	"strconv"
	"strings"
)

// PadCIK normalizes a registry company identifier to its canonical ten digit
// zero-padded form.
func PadCIK(cik string) (string, error) {
	s := strings.TrimPrefix(strings.ToUpper(strings.TrimSpace(cik)), "CIK")
	if s == "" || onlyDigits(s) != s {
		return "", fmt.Errorf("invalid CIK %q", cik)
	}
	digits := strings.TrimLeft(s, "0")
	if digits == "" || len(digits) > 10 {
		return "", fmt.Errorf("invalid CIK %q", cik)
	}
	return strings.Repeat("0", 10-len(digits)) + digits, nil
}

// FormatAccession returns the dashed ##########-##-###### form. Inputs that do
// not carry exactly eighteen digits are returned trimmed but unchanged.
func FormatAccession(acc string) string {
	d := onlyDigits(acc)
	if len(d) != 18 {
		return strings.TrimSpace(acc)
	}
	return d[:10] + "-" + d[10:12] + "-" + d[12:]
}

// ArchiveURL builds the archive location of a document inside a filing.
func ArchiveURL(base, cik, accession, document string) string {
	n, err := strconv.ParseInt(onlyDigits(cik), 10, 64)
	if err != nil {
		n = 0
	}
	return fmt.Sprintf("%s/Archives/edgar/data/%d/%s/%s", strings.TrimRight(base, "/"), n, onlyDigits(accession), document)
}

func onlyDigits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
