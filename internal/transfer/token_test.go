package transfer

import (
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"

	"github.com/elnosh/gonuts/cashu"
	"github.com/stretchr/testify/require"

	"github.com/and161185/nutkeeper/internal/errs"
	"github.com/and161185/nutkeeper/internal/model"
)

func sampleProofs() model.Proofs {
	return model.Proofs{
		{Amount: 2, Id: "009a1f293253e41e", Secret: "407915bc212be61a77e3e6d2aeb4c727980bda51cd06a6afc29e2861768a7837", C: "02bc9097997d81afb2cc7346b5e4345a9346bd2a506eb7958598a72f0cf85163ea"},
		{Amount: 8, Id: "009a1f293253e41e", Secret: "fe15109314e61d7756b0f8ee0f23a624acaa3f4e042f61433c728c7057b931be", C: "029e8e5050b890a7d6c0968db16bc1d5d5fa040ea1de284f6ec69d61299f671059"},
		{Amount: 1, Id: "00ad268c4d1f5826", Secret: "c7f280eb55c1e8564e03db06973e94bc9b666d9e1ca42ad278408fe625950303", C: "02c1e8386a3d1ef0bb8aaa4214da6de5cf82fb847d4dcf2698d8681ac25fdb5aa1"},
	}
}

func TestEncodeDecode_V4(t *testing.T) {
	in := model.Token{Mint: "https://mint.test/", Unit: "sat", Memo: "thanks", Proofs: sampleProofs()}
	s, err := Encode(in)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(s, "cashuB"))
	require.NotContains(t, s, "=")

	got, err := Decode(s)
	require.NoError(t, err)
	require.Equal(t, "https://mint.test", got.Mint)
	require.Equal(t, "thanks", got.Memo)
	require.Equal(t, uint64(11), got.Amount())
	require.ElementsMatch(t, in.Proofs, got.Proofs)
}

func TestDecode_V3(t *testing.T) {
	raw, err := json.Marshal(cashu.TokenV3{Token: []cashu.TokenV3Proof{{Mint: "https://mint.test", Proofs: sampleProofs()}}, Memo: "v3"})
	require.NoError(t, err)

	for _, enc := range []*base64.Encoding{base64.URLEncoding, base64.StdEncoding, base64.RawURLEncoding} {
		got, err := Decode("cashuA" + enc.EncodeToString(raw))
		require.NoError(t, err)
		require.Equal(t, uint64(11), got.Amount())
		require.Equal(t, model.DefaultUnit, got.Unit)
		require.Equal(t, "v3", got.Memo)
		require.ElementsMatch(t, sampleProofs(), got.Proofs)
	}
}

func TestDecode_Rejects(t *testing.T) {
	multi, err := json.Marshal(cashu.TokenV3{Token: []cashu.TokenV3Proof{{Mint: "a"}, {Mint: "b"}}})
	require.NoError(t, err)
	dup := sampleProofs()
	dup[1].Secret = dup[0].Secret
	dupToken, err := Encode(model.Token{Mint: "https://m", Proofs: dup})
	require.NoError(t, err)

	cases := map[string]string{
		"prefix":    "cashuZabc",
		"base64":    "cashuB!!!",
		"cbor":      "cashuB" + base64.RawURLEncoding.EncodeToString([]byte("not cbor")),
		"two mints": "cashuA" + base64.RawURLEncoding.EncodeToString(multi),
		"duplicate": dupToken,
		"empty":     "",
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode(in)
			require.ErrorIs(t, err, errs.ErrInvalidToken)
		})
	}
}

func TestEncode_Rejects(t *testing.T) {
	_, err := Encode(model.Token{Mint: "https://m"})
	require.ErrorIs(t, err, errs.ErrInvalidToken)

	bad := sampleProofs()
	bad[0].C = "zz"
	_, err = Encode(model.Token{Mint: "https://m", Proofs: bad})
	require.ErrorIs(t, err, errs.ErrInvalidToken)

	_, err = Encode(model.Token{Mint: "https://m", Unit: "usd", Proofs: sampleProofs()})
	require.ErrorIs(t, err, errs.ErrInvalidToken)
}
