package serializer_test

import (
	"strings"
	"testing"
	"time"

	fuzz "github.com/AdaLogics/go-fuzz-headers"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-state/api/schemas"
	"github.com/xkilldash9x/scalpel-state/internal/compare"
	"github.com/xkilldash9x/scalpel-state/internal/config"
	"github.com/xkilldash9x/scalpel-state/internal/serializer"
)

type fuzzState struct {
	URL     string
	Title   string
	Cookies []struct {
		Name, Value, Domain, Path string
		Secure, HTTPOnly          bool
	}
	Local      map[string]string
	Session    map[string]string
	Threshold  uint16
	Compressed bool
}

func clean(s string) string { return strings.ToValidUTF8(s, "") }

func storeFrom(m map[string]string) schemas.KeyValueStore {
	out := schemas.KeyValueStore{}
	for k, v := range m {
		k, v = clean(k), clean(v)
		out[k] = schemas.NewStorageEntry(k, v)
	}
	return out
}

// FuzzRoundTrip checks that arbitrary cookie and storage contents survive
// Serialize/Deserialize with and without compression.
func FuzzRoundTrip(f *testing.F) {
	f.Add([]byte("seed"))
	f.Add([]byte{0x01, 0x02, 0x03, 0x04, 0xff, 0x00, 0x10})

	cmp := compare.New(zap.NewNop())

	f.Fuzz(func(t *testing.T, data []byte) {
		var in fuzzState
		if err := fuzz.NewConsumer(data).GenerateStruct(&in); err != nil {
			return
		}

		snap := &schemas.Snapshot{
			ID:             "fuzz",
			Version:        schemas.SnapshotVersion,
			Timestamp:      time.Unix(1700000000, 0).UTC(),
			PageInfo:       schemas.PageInfo{URL: clean(in.URL), Title: clean(in.Title)},
			LocalStorage:   storeFrom(in.Local),
			SessionStorage: storeFrom(in.Session),
		}
		for _, c := range in.Cookies {
			snap.Cookies = append(snap.Cookies, schemas.Cookie{
				Name: clean(c.Name), Value: clean(c.Value), Domain: clean(c.Domain), Path: clean(c.Path),
				Secure: c.Secure, HTTPOnly: c.HTTPOnly,
			})
		}

		threshold := int(in.Threshold)
		if in.Compressed {
			threshold = 0
		}
		s, err := serializer.New(config.SerializerConfig{
			CompressionThreshold: threshold,
			CompressionLevel:     1,
			VerifyChecksum:       true,
		}, zap.NewNop())
		if err != nil {
			t.Fatal(err)
		}

		blob, err := s.Serialize(snap)
		if err != nil {
			t.Fatalf("serialize: %v", err)
		}
		got, err := s.Deserialize(blob)
		if err != nil {
			t.Fatalf("deserialize: %v", err)
		}
		if d := cmp.Compare(snap, got); d.TotalDifferences != 0 {
			t.Fatalf("round trip produced %d differences: %+v", d.TotalDifferences, d)
		}
	})
}
