package gateway

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"encoding/xml"
	"fmt"
	"io"
	"sort"
	"strings"
)

// ParseNotice decodes a flat <xml>...</xml> body into a Notice. Nested
// elements are rejected; the v2 protocol is strictly one level deep.
func ParseNotice(body []byte) (Notice, error) {
	dec := xml.NewDecoder(bytes.NewReader(body))

	// Expect the <xml> root.
	root, err := nextStart(dec)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedNotice, err)
	}
	if root.Name.Local != "xml" {
		return nil, fmt.Errorf("%w: root element %q", ErrMalformedNotice, root.Name.Local)
	}

	n := make(Notice)
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return nil, fmt.Errorf("%w: truncated body", ErrMalformedNotice)
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedNotice, err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			var value string
			if err := dec.DecodeElement(&value, &t); err != nil {
				return nil, fmt.Errorf("%w: field %s: %v", ErrMalformedNotice, t.Name.Local, err)
			}
			n[t.Name.Local] = strings.TrimSpace(value)
		case xml.EndElement:
			if t.Name.Local == "xml" {
				if len(n) == 0 {
					return nil, fmt.Errorf("%w: empty body", ErrMalformedNotice)
				}
				return n, nil
			}
		}
	}
}

func nextStart(dec *xml.Decoder) (xml.StartElement, error) {
	for {
		tok, err := dec.Token()
		if err != nil {
			return xml.StartElement{}, err
		}
		if se, ok := tok.(xml.StartElement); ok {
			return se, nil
		}
	}
}

// Sign computes the v2 signature: parameters sorted by key, joined as
// key=value with &, the merchant key appended, MD5, uppercase hex.
// Empty values and the sign field itself are excluded.
func Sign(params map[string]string, mchKey string) string {
	keys := make([]string, 0, len(params))
	for k, v := range params {
		if k == "sign" || v == "" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(params[k])
		b.WriteByte('&')
	}
	b.WriteString("key=")
	b.WriteString(mchKey)

	sum := md5.Sum([]byte(b.String()))
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}

// VerifySign checks a signed parameter set against the merchant key.
func VerifySign(params map[string]string, mchKey string) bool {
	provided := params["sign"]
	if provided == "" {
		return false
	}
	return Sign(params, mchKey) == provided
}

// EncodeRequest renders params as the flat XML body the gateway
// expects, fields in sorted order with CDATA values.
func EncodeRequest(params map[string]string) []byte {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b bytes.Buffer
	b.WriteString("<xml>")
	for _, k := range keys {
		fmt.Fprintf(&b, "<%s><![CDATA[%s]]></%s>", k, params[k], k)
	}
	b.WriteString("</xml>")
	return b.Bytes()
}

// SuccessResponse is the acknowledgement envelope. The gateway stops
// redelivering once it receives this.
func SuccessResponse() []byte {
	return []byte("<xml><return_code><![CDATA[SUCCESS]]></return_code><return_msg><![CDATA[OK]]></return_msg></xml>")
}

// FailResponse is the retry-me envelope: the gateway will redeliver the
// notice later.
func FailResponse(msg string) []byte {
	return []byte("<xml><return_code><![CDATA[FAIL]]></return_code><return_msg><![CDATA[" + msg + "]]></return_msg></xml>")
}
