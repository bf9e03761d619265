package rpc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"fassetd/core/state"
	"fassetd/native/fassets"
	"fassetd/storage"
)

const testStart = int64(1_700_000_000)

type acceptVerifier struct{}

func (acceptVerifier) Verify(kind fassets.ProofKind, proof any) bool { return true }

type testServer struct {
	srv   *Server
	state *state.Manager
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	engine, err := fassets.NewEngine(fassets.DefaultSettings())
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	manager := state.NewManager(storage.NewMemDB())
	engine.SetState(manager)
	engine.SetVerifier(acceptVerifier{})
	engine.SetNowFunc(func() int64 { return testStart })

	oracle := fassets.NewStaticOracle()
	oracle.SetPrice("BTC", big.NewInt(5_000_000_000), 5, testStart)
	oracle.SetPrice("USDC", big.NewInt(100_000), 5, testStart)
	oracle.SetPrice("NAT", big.NewInt(100_000), 5, testStart)
	engine.SetOracle(oracle)

	return &testServer{srv: NewServer(engine, nil), state: manager}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	recorder := httptest.NewRecorder()
	ts.srv.ServeHTTP(recorder, req)
	return recorder
}

func (ts *testServer) decode(t *testing.T, recorder *httptest.ResponseRecorder, out any) {
	t.Helper()
	if err := json.Unmarshal(recorder.Body.Bytes(), out); err != nil {
		t.Fatalf("decode response %q: %v", recorder.Body.String(), err)
	}
}

func (ts *testServer) fundNat(t *testing.T, addr [20]byte, amount *big.Int) {
	t.Helper()
	acc, err := ts.state.GetAccount(addr[:])
	if err != nil {
		t.Fatalf("account: %v", err)
	}
	acc.BalanceNatWei.Add(acc.BalanceNatWei, amount)
	if err := ts.state.PutAccount(addr[:], acc); err != nil {
		t.Fatalf("put account: %v", err)
	}
}

func hexAddr(b byte) string {
	var addr [20]byte
	addr[19] = b
	return hexAddress(addr)
}

func addressProofBodyFor(address string) addressProofBody {
	return addressProofBody{
		ChainID:             "testBTC",
		Address:             address,
		IsValid:             true,
		StandardAddressHash: hexHash(fassets.UnderlyingAddressHash(address)),
	}
}

func (ts *testServer) createAgent(t *testing.T, owner, vault string) {
	t.Helper()
	recorder := ts.do(t, http.MethodPost, "/v1/agents", createAgentRequest{
		Owner:        owner,
		Vault:        vault,
		AddressProof: addressProofBodyFor("agent-underlying-" + vault),
	})
	if recorder.Code != http.StatusCreated {
		t.Fatalf("create agent: status %d body %s", recorder.Code, recorder.Body.String())
	}
	for kind, amount := range map[string]string{
		"vault":       "1000000000000000000000000",
		"pool":        "2000000000000000000000000",
		"pool_tokens": "1000000000000000000000000",
	} {
		deposit := ts.do(t, http.MethodPost, "/v1/agents/"+vault+"/collateral/deposit", collateralRequest{
			Kind:      kind,
			AmountWei: amount,
		})
		if deposit.Code != http.StatusOK {
			t.Fatalf("deposit %s: status %d body %s", kind, deposit.Code, deposit.Body.String())
		}
	}
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t)
	recorder := ts.do(t, http.MethodGet, "/healthz", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("healthz: status %d", recorder.Code)
	}
	if recorder.Header().Get(headerRequestID) == "" {
		t.Fatalf("missing request id header")
	}
}

func TestAgentLifecycle(t *testing.T) {
	ts := newTestServer(t)
	owner, vault := hexAddr(1), hexAddr(2)
	ts.createAgent(t, owner, vault)

	recorder := ts.do(t, http.MethodGet, "/v1/agents/"+vault, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("agent info: status %d body %s", recorder.Code, recorder.Body.String())
	}
	var view agentView
	ts.decode(t, recorder, &view)
	if view.Status != "NORMAL" {
		t.Fatalf("status = %s, want NORMAL", view.Status)
	}
	if view.FreeCollateralLots != 125 {
		t.Fatalf("free lots = %d, want 125", view.FreeCollateralLots)
	}
	if len(view.Collaterals) != 3 {
		t.Fatalf("collateral classes = %d, want 3", len(view.Collaterals))
	}

	list := ts.do(t, http.MethodGet, "/v1/agents", nil)
	var listed struct {
		Vaults []string `json:"vaults"`
	}
	ts.decode(t, list, &listed)
	if len(listed.Vaults) != 1 || listed.Vaults[0] != vault {
		t.Fatalf("agent list = %v", listed.Vaults)
	}
}

func TestUnknownAgentIs404(t *testing.T) {
	ts := newTestServer(t)
	recorder := ts.do(t, http.MethodGet, "/v1/agents/"+hexAddr(99), nil)
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", recorder.Code)
	}
	var envelope errorEnvelope
	ts.decode(t, recorder, &envelope)
	if envelope.Error == "" {
		t.Fatalf("missing error message")
	}
}

func TestMintAndRedeemOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	owner, vault, minter := hexAddr(1), hexAddr(2), hexAddr(3)
	ts.createAgent(t, owner, vault)
	minterAddr, err := parseAddress(minter)
	if err != nil {
		t.Fatalf("address: %v", err)
	}
	ts.fundNat(t, minterAddr, new(big.Int).Exp(big.NewInt(10), big.NewInt(24), nil))

	reserve := ts.do(t, http.MethodPost, "/v1/minting/reserve", reserveRequest{
		Minter:          minter,
		Vault:           vault,
		Lots:            10,
		MaxAgentFeeBIPS: 10_000,
	})
	if reserve.Code != http.StatusCreated {
		t.Fatalf("reserve: status %d body %s", reserve.Code, reserve.Body.String())
	}
	var reservation reservationView
	ts.decode(t, reserve, &reservation)
	if reservation.ID == 0 || reservation.ValueAMG != 10_000 {
		t.Fatalf("unexpected reservation %+v", reservation)
	}

	execute := ts.do(t, http.MethodPost, "/v1/minting/execute", executeMintingRequest{
		ReservationID: reservation.ID,
		Proof: paymentProofBody{
			ChainID:              "testBTC",
			TransactionHash:      hexHash([32]byte{1}),
			BlockNumber:          10,
			BlockTimestamp:       testStart,
			SourceAddressHash:    hexHash([32]byte{2}),
			ReceivingAddressHash: hexHash(fassets.UnderlyingAddressHash(reservation.PaymentAddress)),
			ReceivedAmountUBA:    "100000000",
			PaymentReference:     reservation.PaymentReference,
		},
	})
	if execute.Code != http.StatusOK {
		t.Fatalf("execute: status %d body %s", execute.Code, execute.Body.String())
	}

	supply := ts.do(t, http.MethodGet, "/v1/supply", nil)
	var supplyBody struct {
		TotalSupplyUBA string `json:"totalSupplyUBA"`
	}
	ts.decode(t, supply, &supplyBody)
	if supplyBody.TotalSupplyUBA != "100000000" {
		t.Fatalf("supply = %s, want 100000000", supplyBody.TotalSupplyUBA)
	}

	queue := ts.do(t, http.MethodGet, "/v1/queue", nil)
	var queueBody struct {
		Tickets []ticketView `json:"tickets"`
	}
	ts.decode(t, queue, &queueBody)
	if len(queueBody.Tickets) != 1 || queueBody.Tickets[0].ValueAMG != 10_000 {
		t.Fatalf("queue = %+v", queueBody.Tickets)
	}

	redeem := ts.do(t, http.MethodPost, "/v1/redemptions", redeemRequest{
		Redeemer:          minter,
		Lots:              4,
		UnderlyingAddress: "redeemer-btc",
	})
	if redeem.Code != http.StatusCreated {
		t.Fatalf("redeem: status %d body %s", redeem.Code, redeem.Body.String())
	}
	var redeemBody struct {
		RedeemedLots uint64           `json:"redeemedLots"`
		Requests     []redemptionView `json:"requests"`
	}
	ts.decode(t, redeem, &redeemBody)
	if redeemBody.RedeemedLots != 4 || len(redeemBody.Requests) != 1 {
		t.Fatalf("redeem result = %+v", redeemBody)
	}
	request := redeemBody.Requests[0]
	if request.Status != "ACTIVE" {
		t.Fatalf("request status = %s", request.Status)
	}

	fetched := ts.do(t, http.MethodGet, fmt.Sprintf("/v1/redemptions/%d", request.ID), nil)
	if fetched.Code != http.StatusOK {
		t.Fatalf("get redemption: status %d body %s", fetched.Code, fetched.Body.String())
	}
}

func TestErrorMapping(t *testing.T) {
	ts := newTestServer(t)

	// Malformed address is a 400.
	bad := ts.do(t, http.MethodPost, "/v1/transfer", transferRequest{From: "zzz", To: hexAddr(2), AmountUBA: "1"})
	if bad.Code != http.StatusBadRequest {
		t.Fatalf("bad address: status %d, want 400", bad.Code)
	}

	// Transferring without balance is a state conflict.
	conflict := ts.do(t, http.MethodPost, "/v1/transfer", transferRequest{From: hexAddr(1), To: hexAddr(2), AmountUBA: "100"})
	if conflict.Code != http.StatusConflict {
		t.Fatalf("insufficient balance: status %d, want 409", conflict.Code)
	}

	// Unknown fields are rejected.
	raw := httptest.NewRequest(http.MethodPost, "/v1/transfer", bytes.NewReader([]byte(`{"bogus":true}`)))
	recorder := httptest.NewRecorder()
	ts.srv.ServeHTTP(recorder, raw)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("unknown field: status %d, want 400", recorder.Code)
	}
}

func TestUnderlyingBlockEndpoint(t *testing.T) {
	ts := newTestServer(t)
	recorder := ts.do(t, http.MethodPost, "/v1/underlying/block", underlyingBlockRequest{
		Proof: blockHeightProofBody{ChainID: "testBTC", BlockNumber: 42, BlockTimestamp: testStart},
	})
	if recorder.Code != http.StatusOK {
		t.Fatalf("underlying block: status %d body %s", recorder.Code, recorder.Body.String())
	}
}
