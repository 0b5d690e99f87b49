package rpc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"yieldpass/crypto"
	"yieldpass/native/adapter"
	"yieldpass/native/yieldpass"
	"yieldpass/state"
	"yieldpass/storage"
)

const (
	testToken  = "test-bearer-token"
	testStart  = int64(1_000_000)
	testExpiry = int64(1_864_000)
)

type echoAdapter struct{}

func (echoAdapter) Name() string  { return "echo" }
func (echoAdapter) Token() string { return "ECHO" }

func (echoAdapter) CumulativeYield(st adapter.State) (*big.Int, error) {
	return big.NewInt(0), nil
}

func (echoAdapter) Setup(st adapter.State, holder [20]byte, tokenIDs []uint64, data []byte) ([]string, error) {
	operators := make([]string, len(tokenIDs))
	for i := range operators {
		operators[i] = "echo-op"
	}
	return operators, nil
}

func (echoAdapter) Harvest(st adapter.State, data []byte) (*big.Int, error) {
	if len(data) == 0 {
		return big.NewInt(0), nil
	}
	amount, ok := new(big.Int).SetString(string(data), 10)
	if !ok {
		return nil, fmt.Errorf("echo: bad payload")
	}
	return amount, nil
}

func (echoAdapter) Claim(st adapter.State, recipient [20]byte, amount *big.Int) error {
	return nil
}

func (echoAdapter) Redeem(st adapter.State, recipient [20]byte, tokenIDs []uint64, key [32]byte) error {
	return st.AdapterPut("echo", key[:], recipient[:])
}

func (echoAdapter) Withdraw(st adapter.State, tokenIDs []uint64, key [32]byte) ([20]byte, error) {
	raw, ok, err := st.AdapterGet("echo", key[:])
	if err != nil {
		return [20]byte{}, err
	}
	if !ok {
		return [20]byte{}, adapter.ErrNotEscrowed
	}
	var recipient [20]byte
	copy(recipient[:], raw)
	return recipient, nil
}

func testAddressString(fill byte) string {
	return crypto.NewAddress(crypto.AccountPrefix, bytes.Repeat([]byte{fill}, 20)).String()
}

func newTestServer(t *testing.T) (*Server, *yieldpass.Engine, string) {
	t.Helper()
	t.Setenv("YIELDPASS_RPC_TOKEN", testToken)

	admin := testAddressString(0x01)
	adminAddr, err := crypto.DecodeAddress(admin)
	if err != nil {
		t.Fatalf("decode admin: %v", err)
	}

	engine := yieldpass.NewEngine()
	engine.SetBackend(state.NewStore(storage.NewMemDB()))
	engine.SetAdmin(adminAddr.Array())
	engine.SetDomain(yieldpass.PermitDomain("rpc-test"))
	engine.SetNowFunc(func() int64 { return testStart })
	if err := engine.RegisterAdapter(echoAdapter{}); err != nil {
		t.Fatalf("register adapter: %v", err)
	}
	return NewServer(engine, nil), engine, admin
}

func rpcCall(t *testing.T, server *Server, authed bool, method string, params interface{}) RPCResponse {
	t.Helper()
	body := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  method,
	}
	if params != nil {
		body["params"] = []interface{}{params}
	}
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(raw))
	req.RemoteAddr = "127.0.0.1:9999"
	if authed {
		req.Header.Set("Authorization", "Bearer "+testToken)
	}
	recorder := httptest.NewRecorder()
	server.handle(recorder, req)

	var resp RPCResponse
	if err := json.Unmarshal(recorder.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response %q: %v", recorder.Body.String(), err)
	}
	return resp
}

func deployMarket(t *testing.T, server *Server, admin string) marketJSON {
	t.Helper()
	resp := rpcCall(t, server, true, "yieldpass_deploy", deployParams{
		Caller:     admin,
		NodeToken:  "1010101010101010101010101010101010101010",
		StartTime:  testStart,
		ExpiryTime: testExpiry,
		Adapter:    "echo",
	})
	if resp.Error != nil {
		t.Fatalf("deploy failed: %+v", resp.Error)
	}
	raw, err := json.Marshal(resp.Result)
	if err != nil {
		t.Fatalf("remarshal result: %v", err)
	}
	var market marketJSON
	if err := json.Unmarshal(raw, &market); err != nil {
		t.Fatalf("decode market: %v", err)
	}
	return market
}

func TestHandleRejectsUnknownMethod(t *testing.T) {
	server, _, _ := newTestServer(t)
	resp := rpcCall(t, server, false, "yieldpass_bogus", nil)
	if resp.Error == nil || resp.Error.Code != codeMethodNotFound {
		t.Fatalf("expected method-not-found, got %+v", resp.Error)
	}
}

func TestAdminMethodsRequireBearerToken(t *testing.T) {
	server, _, admin := newTestServer(t)
	resp := rpcCall(t, server, false, "yieldpass_deploy", deployParams{
		Caller:     admin,
		NodeToken:  "1010101010101010101010101010101010101010",
		StartTime:  testStart,
		ExpiryTime: testExpiry,
		Adapter:    "echo",
	})
	if resp.Error == nil || resp.Error.Code != codeUnauthorized {
		t.Fatalf("expected unauthorized, got %+v", resp.Error)
	}
}

func TestDeployQuoteMintClaimFlow(t *testing.T) {
	server, engine, admin := newTestServer(t)
	market := deployMarket(t, server, admin)
	holder := testAddressString(0xA1)

	resp := rpcCall(t, server, false, "yieldpass_quoteMint", quoteMintParams{
		YieldPass: market.YieldPass,
		NodeCount: 1,
	})
	if resp.Error != nil {
		t.Fatalf("quote failed: %+v", resp.Error)
	}
	if resp.Result != yieldpass.OneUnit.String() {
		t.Fatalf("quote at start must be one unit, got %v", resp.Result)
	}

	resp = rpcCall(t, server, false, "yieldpass_mint", mintParams{
		Caller:           holder,
		YieldPass:        market.YieldPass,
		Holder:           holder,
		ShareRecipient:   holder,
		ReceiptRecipient: holder,
		TokenIDs:         []uint64{1},
	})
	if resp.Error != nil {
		t.Fatalf("mint failed: %+v", resp.Error)
	}

	resp = rpcCall(t, server, false, "yieldpass_harvest", harvestParams{
		YieldPass:   market.YieldPass,
		HarvestData: "0x" + hexEncode("2000000"),
	})
	if resp.Error != nil {
		t.Fatalf("harvest failed: %+v", resp.Error)
	}
	if resp.Result != "2000000" {
		t.Fatalf("harvest amount mismatch: %v", resp.Result)
	}

	resp = rpcCall(t, server, false, "yieldpass_claim", claimParams{
		Caller:      holder,
		YieldPass:   market.YieldPass,
		Recipient:   holder,
		ShareAmount: yieldpass.OneUnit.String(),
	})
	if resp.Error == nil || resp.Error.Code != codeWindow {
		t.Fatalf("claim before expiry must map to the window code, got %+v", resp.Error)
	}

	engine.SetNowFunc(func() int64 { return testExpiry + 1 })
	resp = rpcCall(t, server, false, "yieldpass_claim", claimParams{
		Caller:      holder,
		YieldPass:   market.YieldPass,
		Recipient:   holder,
		ShareAmount: yieldpass.OneUnit.String(),
	})
	if resp.Error != nil {
		t.Fatalf("claim failed: %+v", resp.Error)
	}
	if resp.Result != "2000000" {
		t.Fatalf("claim payout mismatch: %v", resp.Result)
	}

	resp = rpcCall(t, server, false, "yieldpass_claimState", map[string]string{"yieldPass": market.YieldPass})
	if resp.Error != nil {
		t.Fatalf("claimState failed: %+v", resp.Error)
	}
}

func TestUnknownMarketMapsToNotFound(t *testing.T) {
	server, _, _ := newTestServer(t)
	resp := rpcCall(t, server, false, "yieldpass_market", map[string]string{
		"yieldPass": "2020202020202020202020202020202020202020",
	})
	if resp.Error == nil || resp.Error.Code != codeNotFound {
		t.Fatalf("expected not-found code, got %+v", resp.Error)
	}
}

func TestMulticallCommitsAtomically(t *testing.T) {
	server, _, admin := newTestServer(t)
	market := deployMarket(t, server, admin)
	holder := testAddressString(0xA1)

	mint := mintParams{
		Caller:           holder,
		YieldPass:        market.YieldPass,
		Holder:           holder,
		ShareRecipient:   holder,
		ReceiptRecipient: holder,
		TokenIDs:         []uint64{1},
	}
	mintRaw, _ := json.Marshal(mint)
	harvestRaw, _ := json.Marshal(harvestParams{
		YieldPass:   market.YieldPass,
		HarvestData: "0x" + hexEncode("100"),
	})
	badRaw, _ := json.Marshal(harvestParams{
		YieldPass:   "3030303030303030303030303030303030303030",
		HarvestData: "",
	})

	// A failing sub-call discards every earlier one.
	resp := rpcCall(t, server, false, "yieldpass_multicall", multicallParams{
		Calls: []multicallCall{
			{Method: "yieldpass_mint", Params: mintRaw},
			{Method: "yieldpass_harvest", Params: badRaw},
		},
	})
	if resp.Error == nil || resp.Error.Code != codeNotFound {
		t.Fatalf("expected not-found from failing sub-call, got %+v", resp.Error)
	}
	balance := rpcCall(t, server, false, "yieldpass_shareBalance", map[string]string{
		"yieldPass": market.YieldPass,
		"owner":     holder,
	})
	if balance.Error != nil || balance.Result != "0" {
		t.Fatalf("failed multicall must roll back the mint, got %v %+v", balance.Result, balance.Error)
	}

	resp = rpcCall(t, server, false, "yieldpass_multicall", multicallParams{
		Calls: []multicallCall{
			{Method: "yieldpass_mint", Params: mintRaw},
			{Method: "yieldpass_harvest", Params: harvestRaw},
		},
	})
	if resp.Error != nil {
		t.Fatalf("multicall failed: %+v", resp.Error)
	}
	results, ok := resp.Result.([]interface{})
	if !ok || len(results) != 2 {
		t.Fatalf("expected two results, got %v", resp.Result)
	}
	if results[1] != "100" {
		t.Fatalf("harvest result mismatch: %v", results[1])
	}
	balance = rpcCall(t, server, false, "yieldpass_shareBalance", map[string]string{
		"yieldPass": market.YieldPass,
		"owner":     holder,
	})
	if balance.Error != nil || balance.Result != yieldpass.OneUnit.String() {
		t.Fatalf("committed multicall balance mismatch: %v %+v", balance.Result, balance.Error)
	}
}

func hexEncode(s string) string {
	return fmt.Sprintf("%x", s)
}
