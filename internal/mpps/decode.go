package mpps

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
)

// ErrUndecodable means the payload is not a DICOM object in any supported encoding
var ErrUndecodable = errors.New("mpps: payload is not a readable DICOM object")

// Content types accepted for MPPS payloads
const (
	ContentTypePart10 = "application/dicom"
	ContentTypeJSON   = "application/dicom+json"
)

// DecodePart10 reads a DICOM Part 10 stream. Pixel data is skipped.
func DecodePart10(r io.Reader, size int64) (*dicom.Dataset, error) {
	ds, err := dicom.Parse(r, size, nil, dicom.SkipPixelData())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUndecodable, err)
	}
	return &ds, nil
}

// jsonAttribute is one attribute of the DICOM JSON model (PS3.18 F.2)
type jsonAttribute struct {
	VR    string            `json:"vr"`
	Value []json.RawMessage `json:"Value,omitempty"`
}

// DecodeJSON reads a DICOM JSON object into a dataset.
// Attributes with tags unknown to the dictionary or binary values are skipped.
func DecodeJSON(raw []byte) (*dicom.Dataset, error) {
	var obj map[string]jsonAttribute
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUndecodable, err)
	}
	elems, err := decodeJSONObject(obj)
	if err != nil {
		return nil, err
	}
	return &dicom.Dataset{Elements: elems}, nil
}

// Decode dispatches on content type. An empty content type is sniffed.
func Decode(contentType string, body []byte) (*dicom.Dataset, error) {
	mediaType, _, _ := strings.Cut(contentType, ";")
	switch strings.TrimSpace(strings.ToLower(mediaType)) {
	case ContentTypeJSON, "application/json":
		return DecodeJSON(body)
	case ContentTypePart10:
		return DecodePart10(bytes.NewReader(body), int64(len(body)))
	}
	if trimmed := bytes.TrimSpace(body); len(trimmed) > 0 && trimmed[0] == '{' {
		return DecodeJSON(body)
	}
	return DecodePart10(bytes.NewReader(body), int64(len(body)))
}

func decodeJSONObject(obj map[string]jsonAttribute) ([]*dicom.Element, error) {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	elems := make([]*dicom.Element, 0, len(keys))
	for _, k := range keys {
		t, err := parseTagKey(k)
		if err != nil {
			return nil, err
		}
		attr := obj[k]
		elem, ok, err := decodeAttribute(t, attr)
		if err != nil {
			return nil, err
		}
		if ok {
			elems = append(elems, elem)
		}
	}
	return elems, nil
}

func decodeAttribute(t tag.Tag, attr jsonAttribute) (*dicom.Element, bool, error) {
	if _, err := tag.Find(t); err != nil {
		return nil, false, nil
	}

	if strings.EqualFold(attr.VR, "SQ") {
		items := make([][]*dicom.Element, 0, len(attr.Value))
		for _, rawItem := range attr.Value {
			var itemObj map[string]jsonAttribute
			if err := json.Unmarshal(rawItem, &itemObj); err != nil {
				return nil, false, fmt.Errorf("%w: sequence item of %s: %v", ErrUndecodable, t, err)
			}
			item, err := decodeJSONObject(itemObj)
			if err != nil {
				return nil, false, err
			}
			items = append(items, item)
		}
		elem, err := dicom.NewElement(t, items)
		if err != nil {
			return nil, false, nil
		}
		return elem, true, nil
	}

	values := make([]string, 0, len(attr.Value))
	for _, rawValue := range attr.Value {
		s, ok := jsonString(rawValue)
		if !ok {
			// numeric or binary VRs are not needed here
			return nil, false, nil
		}
		values = append(values, s)
	}
	elem, err := dicom.NewElement(t, values)
	if err != nil {
		return nil, false, nil
	}
	return elem, true, nil
}

// jsonString accepts plain strings and PN objects ({"Alphabetic": ...})
func jsonString(raw json.RawMessage) (string, bool) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, true
	}
	var pn struct {
		Alphabetic string `json:"Alphabetic"`
	}
	if err := json.Unmarshal(raw, &pn); err == nil && pn.Alphabetic != "" {
		return pn.Alphabetic, true
	}
	return "", false
}

// parseTagKey parses the eight hex digit attribute key GGGGEEEE
func parseTagKey(k string) (tag.Tag, error) {
	if len(k) != 8 {
		return tag.Tag{}, fmt.Errorf("%w: attribute key %q", ErrUndecodable, k)
	}
	group, err := strconv.ParseUint(k[:4], 16, 16)
	if err != nil {
		return tag.Tag{}, fmt.Errorf("%w: attribute key %q", ErrUndecodable, k)
	}
	element, err := strconv.ParseUint(k[4:], 16, 16)
	if err != nil {
		return tag.Tag{}, fmt.Errorf("%w: attribute key %q", ErrUndecodable, k)
	}
	return tag.Tag{Group: uint16(group), Element: uint16(element)}, nil
}

// EncodeJSON renders the attributes this package reads as a DICOM JSON object.
// Used by publishers and tests to produce payloads for the listener topic.
func EncodeJSON(r Report) ([]byte, error) {
	obj := map[string]interface{}{}
	if r.SOPInstanceUID != "" {
		obj[tagKey(tag.SOPInstanceUID)] = map[string]interface{}{"vr": "UI", "Value": []string{r.SOPInstanceUID}}
	}
	if r.Status != "" {
		obj[tagKey(tag.PerformedProcedureStepStatus)] = map[string]interface{}{"vr": "CS", "Value": []string{r.Status}}
	}
	if r.StudyInstanceUID != "" {
		item := map[string]interface{}{
			tagKey(tag.StudyInstanceUID): map[string]interface{}{"vr": "UI", "Value": []string{r.StudyInstanceUID}},
		}
		if r.AccessionNumber != "" {
			item[tagKey(tag.AccessionNumber)] = map[string]interface{}{"vr": "SH", "Value": []string{r.AccessionNumber}}
		}
		obj[tagKey(tag.ScheduledStepAttributesSequence)] = map[string]interface{}{"vr": "SQ", "Value": []interface{}{item}}
	}
	return json.Marshal(obj)
}

func tagKey(t tag.Tag) string {
	return fmt.Sprintf("%04X%04X", t.Group, t.Element)
}
