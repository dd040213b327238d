package process

import (
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/japanese"
	"golang.org/x/text/encoding/korean"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/encoding/traditionalchinese"
)

// codePages maps Windows console code pages to decoders
var codePages = map[int]encoding.Encoding{
	437:  charmap.CodePage437,
	850:  charmap.CodePage850,
	852:  charmap.CodePage852,
	855:  charmap.CodePage855,
	858:  charmap.CodePage858,
	860:  charmap.CodePage860,
	862:  charmap.CodePage862,
	863:  charmap.CodePage863,
	865:  charmap.CodePage865,
	866:  charmap.CodePage866,
	874:  charmap.Windows874,
	932:  japanese.ShiftJIS,
	936:  simplifiedchinese.GBK,
	949:  korean.EUCKR,
	950:  traditionalchinese.Big5,
	1250: charmap.Windows1250,
	1251: charmap.Windows1251,
	1252: charmap.Windows1252,
}

// ConsoleEncoding resolves an encoding name used in the config.
//
//	""/"oem"  the system's legacy console code page (UTF-8 outside Windows)
//	"utf-8"   no conversion
//	"cpNNN"   an explicit code page, e.g. "cp850" or "cp950"
//
// A nil encoding means the output is already UTF-8.
func ConsoleEncoding(name string) (encoding.Encoding, error) {
	name = strings.ToLower(strings.TrimSpace(name))

	switch name {
	case "", "oem":
		cp := oemCodePage()
		if cp == 0 || cp == 65001 {
			return nil, nil
		}
		enc, ok := codePages[cp]
		if !ok {
			// Unknown OEM page: better undecoded than failing every run
			return nil, nil
		}
		return enc, nil
	case "utf-8", "utf8", "cp65001":
		return nil, nil
	}

	if n, err := strconv.Atoi(strings.TrimPrefix(name, "cp")); err == nil {
		if enc, ok := codePages[n]; ok {
			return enc, nil
		}
	}
	return nil, fmt.Errorf("unsupported console encoding %q", name)
}
