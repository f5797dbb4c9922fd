package rpc

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/fabricbroker/fabricd/pkg/broker"
	"github.com/fabricbroker/fabricd/pkg/fabric"
	"github.com/fabricbroker/fabricd/pkg/wire"
)

// minimalSwitch is a trimmed REST fake covering just enough of the switch
// bridge/tunnel contract to drive one fabric.Manager through define/activate.
type minimalSwitch struct {
	mu      sync.Mutex
	next    int
	bridges map[string]string
	tunnels map[string]map[int]fabric.TunnelDesc
}

func newMinimalSwitch() *minimalSwitch {
	return &minimalSwitch{bridges: map[string]string{}, tunnels: map[string]map[int]fabric.TunnelDesc{}}
}

func (f *minimalSwitch) server() *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/bridges", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		switch r.Method {
		case "POST":
			var req struct{ Descr string }
			json.NewDecoder(r.Body).Decode(&req)
			f.next++
			name := fmt.Sprintf("vfc%d", f.next)
			f.bridges[name] = req.Descr
			f.tunnels[name] = map[int]fabric.TunnelDesc{}
			w.WriteHeader(201)
			json.NewEncoder(w).Encode(map[string]string{"name": name})
		case "GET":
			names := make([]string, 0, len(f.bridges))
			for n := range f.bridges {
				names = append(names, n)
			}
			w.WriteHeader(200)
			json.NewEncoder(w).Encode(names)
		}
	})
	mux.HandleFunc("/bridges/", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		path := r.URL.Path[len("/bridges/"):]
		var bridgeID, rest string
		for i := 0; i < len(path); i++ {
			if path[i] == '/' {
				bridgeID, rest = path[:i], path[i+1:]
				break
			}
		}
		if rest == "" {
			bridgeID = path
		}
		switch {
		case rest == "" && r.Method == "PATCH":
			var req struct{ Descr string }
			json.NewDecoder(r.Body).Decode(&req)
			f.bridges[bridgeID] = req.Descr
			w.WriteHeader(204)
		case rest == "" && r.Method == "DELETE":
			delete(f.bridges, bridgeID)
			delete(f.tunnels, bridgeID)
			w.WriteHeader(204)
		case rest == "tunnels" && r.Method == "POST":
			var td fabric.TunnelDesc
			json.NewDecoder(r.Body).Decode(&td)
			port := len(f.tunnels[bridgeID]) + 1
			f.tunnels[bridgeID][port] = td
			w.WriteHeader(201)
			json.NewEncoder(w).Encode(map[string]int{"ofport": port})
		default:
			w.WriteHeader(404)
		}
	})
	return httptest.NewServer(mux)
}

func newMinimalController() *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/port-sets", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
		json.NewEncoder(w).Encode([][]int{})
	})
	return httptest.NewServer(mux)
}

// newTestBroker wires one network "netA" with terminals t1/t2 and a real
// fabric.Manager backed by the REST fakes above.
func newTestBroker(t *testing.T) (*broker.Broker, func()) {
	t.Helper()
	sw := newMinimalSwitch()
	swServer := sw.server()
	ctlServer := newMinimalController()

	swClient, err := fabric.NewSwitchClient(fabric.RESTConfig{BaseURL: swServer.URL, BearerToken: "t"})
	if err != nil {
		t.Fatal(err)
	}
	ctlClient, err := fabric.NewControllerClient(fabric.RESTConfig{BaseURL: ctlServer.URL, BearerToken: "t"})
	if err != nil {
		t.Fatal(err)
	}

	b := broker.New(8)
	mgr := fabric.NewVFCPerServiceManager(fabric.Config{
		DPID:           1,
		DescrPrefix:    "fabricd:",
		PartialSuffix:  "partial",
		CompleteSuffix: "complete",
	}, swClient, ctlClient, b.Pool())

	nw := broker.NewNetwork("netA", mgr)
	if err := nw.AddTerminal("t1", "phys.1"); err != nil {
		t.Fatal(err)
	}
	if err := nw.AddTerminal("t2", "phys.2"); err != nil {
		t.Fatal(err)
	}
	if err := b.RegisterNetwork(nw); err != nil {
		t.Fatal(err)
	}

	return b, func() {
		swServer.Close()
		ctlServer.Close()
		b.Close()
	}
}

// dial wires a Server.handleConn over a net.Pipe and returns the peer
// end plus a reader for line-oriented handshake responses.
func dial(t *testing.T, b *broker.Broker, handshake string) (net.Conn, *bufio.Reader) {
	t.Helper()
	client, serverSide := net.Pipe()
	s := NewServer(b)
	go s.handleConn(serverSide)
	if _, err := client.Write([]byte(handshake)); err != nil {
		t.Fatal(err)
	}
	return client, bufio.NewReader(client)
}

func TestUnauthorizedNetwork(t *testing.T) {
	b, cleanup := newTestBroker(t)
	defer cleanup()

	client, r := dial(t, b, "control netA\ndrop\nnetB\n")
	defer client.Close()

	line, err := r.ReadString('\n')
	if err != nil {
		t.Fatal(err)
	}
	var resp map[string]interface{}
	if err := json.Unmarshal([]byte(line), &resp); err != nil {
		t.Fatal(err)
	}
	if resp["error"] != "unauthorized" || resp["network"] != "netB" {
		t.Fatalf("unexpected response: %v", resp)
	}
}

func TestNoSuchNetwork(t *testing.T) {
	b, cleanup := newTestBroker(t)
	defer cleanup()

	client, r := dial(t, b, "control ghost\ndrop\nghost\n")
	defer client.Close()

	line, err := r.ReadString('\n')
	if err != nil {
		t.Fatal(err)
	}
	var resp map[string]interface{}
	json.Unmarshal([]byte(line), &resp)
	if resp["error"] != "no-network" {
		t.Fatalf("unexpected response: %v", resp)
	}
}

// rpcClient wraps the multiplexed phase of the protocol for test use.
type rpcClient struct {
	mux  *wire.Mux
	sess *wire.Session
}

// newRPCClient stamps every service this connection creates with the
// fixed token "tok123" and grants itself an auth-match against that same
// token, so the connection can both create and mutate services without
// every call site having to restate the handshake's auth lines.
func newRPCClient(t *testing.T, b *broker.Broker, network string) (*rpcClient, net.Conn) {
	t.Helper()
	handshake := "manage " + network + "\nauth :tok123\nauth-match :^tok123$\ndrop\n" + network + "\n"
	client, r := dial(t, b, handshake)

	line, err := r.ReadString('\n')
	if err != nil {
		t.Fatal(err)
	}
	var resp map[string]interface{}
	json.Unmarshal([]byte(line), &resp)
	if resp["error"] != nil {
		t.Fatalf("handshake failed: %v", resp)
	}

	channel := wire.NewChannel(&connRW{r: r, c: client})
	mux := wire.NewMux(channel, wire.Client)
	sess, err := mux.Open()
	if err != nil {
		t.Fatal(err)
	}
	return &rpcClient{mux: mux, sess: sess}, client
}

func (c *rpcClient) call(t *testing.T, req wire.Message) wire.Message {
	t.Helper()
	if err := c.sess.Write(req); err != nil {
		t.Fatal(err)
	}
	resp, err := c.sess.Read()
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func TestHappyPathDefineActivateWatch(t *testing.T) {
	b, cleanup := newTestBroker(t)
	defer cleanup()

	c, conn := newRPCClient(t, b, "netA")
	defer conn.Close()

	resp := c.call(t, wire.Message{"type": "new-service"})
	idF, ok := resp["service-id"].(float64)
	if !ok {
		t.Fatalf("expected service-id, got %v", resp)
	}

	resp = c.call(t, wire.Message{
		"type":       "define-service",
		"service-id": idF,
		"segment": []interface{}{
			map[string]interface{}{"terminal-name": "t1", "label": float64(100), "ingress-bw": float64(10), "egress-bw": float64(10)},
			map[string]interface{}{"terminal-name": "t2", "label": float64(100), "ingress-bw": float64(10), "egress-bw": float64(10)},
		},
	})
	if resp["error"] != nil {
		t.Fatalf("define-service failed: %v", resp)
	}

	watchSess, err := c.mux.Open()
	if err != nil {
		t.Fatal(err)
	}
	if err := watchSess.Write(wire.Message{"type": "watch-service", "service-id": idF, "txn": "w1"}); err != nil {
		t.Fatal(err)
	}

	activateSess, err := c.mux.Open()
	if err != nil {
		t.Fatal(err)
	}
	if err := activateSess.Write(wire.Message{"type": "activate-service", "service-id": idF}); err != nil {
		t.Fatal(err)
	}

	seen := map[string]bool{}
	deadline := time.Now().Add(3 * time.Second)
	for !seen["ACTIVE"] && time.Now().Before(deadline) {
		msg, err := watchSess.Read()
		if err != nil {
			t.Fatal(err)
		}
		if msg["txn"] != "w1" {
			t.Fatalf("expected txn echoed on every watch response, got %v", msg)
		}
		status, _ := msg["status"].(string)
		seen[status] = true
	}
	if !seen["ACTIVE"] {
		t.Fatalf("never observed ACTIVE; saw %v", seen)
	}
}

func TestManagementGating(t *testing.T) {
	b, cleanup := newTestBroker(t)
	defer cleanup()

	c, conn := newRPCClient(t, b, "netA")
	defer conn.Close()

	resp := c.call(t, wire.Message{"type": "remove-terminal", "terminal-name": "t1"})
	if resp["error"] != nil {
		t.Fatalf("expected remove-terminal to succeed under manage grant, got %v", resp)
	}
}

func TestManagementGatingWithoutManageGrant(t *testing.T) {
	b, cleanup := newTestBroker(t)
	defer cleanup()

	client, r := dial(t, b, "control netA\ndrop\nnetA\n")
	defer client.Close()
	line, _ := r.ReadString('\n')
	var handshakeResp map[string]interface{}
	json.Unmarshal([]byte(line), &handshakeResp)

	channel := wire.NewChannel(&connRW{r: r, c: client})
	mux := wire.NewMux(channel, wire.Client)
	sess, err := mux.Open()
	if err != nil {
		t.Fatal(err)
	}
	c := &rpcClient{mux: mux, sess: sess}

	resp := c.call(t, wire.Message{"type": "remove-terminal", "terminal-name": "t1"})
	if resp["error"] != "network-resource" {
		t.Fatalf("expected network-resource error, got %v", resp)
	}
}

func TestMutationRequiresAuthMatch(t *testing.T) {
	b, cleanup := newTestBroker(t)
	defer cleanup()

	client, r := dial(t, b, "control netA\nauth :secret\ndrop\nnetA\n")
	defer client.Close()
	line, _ := r.ReadString('\n')
	var handshakeResp map[string]interface{}
	json.Unmarshal([]byte(line), &handshakeResp)

	channel := wire.NewChannel(&connRW{r: r, c: client})
	mux := wire.NewMux(channel, wire.Client)
	sess, err := mux.Open()
	if err != nil {
		t.Fatal(err)
	}
	c := &rpcClient{mux: mux, sess: sess}

	resp := c.call(t, wire.Message{"type": "new-service"})
	idF, ok := resp["service-id"].(float64)
	if !ok {
		t.Fatalf("expected service-id, got %v", resp)
	}

	resp = c.call(t, wire.Message{
		"type":       "activate-service",
		"service-id": idF,
	})
	if resp["error"] != "unauthorized" {
		t.Fatalf("expected unauthorized without a matching auth-match grant, got %v", resp)
	}
}

func TestBadSegmentFailsService(t *testing.T) {
	b, cleanup := newTestBroker(t)
	defer cleanup()

	c, conn := newRPCClient(t, b, "netA")
	defer conn.Close()

	resp := c.call(t, wire.Message{"type": "new-service"})
	idF := resp["service-id"].(float64)

	resp = c.call(t, wire.Message{
		"type":       "define-service",
		"service-id": idF,
		"segment": []interface{}{
			map[string]interface{}{"terminal-name": "t1", "label": float64(100), "ingress-bw": float64(10), "egress-bw": float64(10)},
		},
	})
	if resp["error"] != "segment-invalid" {
		t.Fatalf("expected segment-invalid, got %v", resp)
	}
}

func TestGetModelComputesEdgesFromDefinedSegments(t *testing.T) {
	b, cleanup := newTestBroker(t)
	defer cleanup()

	c, conn := newRPCClient(t, b, "netA")
	defer conn.Close()

	resp := c.call(t, wire.Message{"type": "new-service"})
	idF := resp["service-id"].(float64)

	resp = c.call(t, wire.Message{
		"type":       "define-service",
		"service-id": idF,
		"segment": []interface{}{
			map[string]interface{}{"terminal-name": "t1", "label": float64(100), "ingress-bw": float64(5), "egress-bw": float64(20)},
			map[string]interface{}{"terminal-name": "t2", "label": float64(100), "ingress-bw": float64(10), "egress-bw": float64(10)},
		},
	})
	if resp["error"] != nil {
		t.Fatalf("define-service failed: %v", resp)
	}

	resp = c.call(t, wire.Message{"type": "get-model", "min-bw": float64(1)})
	edges, ok := resp["edges"].([]interface{})
	if !ok {
		t.Fatalf("expected edges list, got %v", resp)
	}
	if len(edges) != 2 {
		t.Fatalf("expected 2 directed edges for a 2-circuit segment, got %d: %v", len(edges), edges)
	}
	for _, e := range edges {
		edge, ok := e.(map[string]interface{})
		if !ok {
			t.Fatalf("malformed edge: %v", e)
		}
		switch {
		case edge["from"] == "t1" && edge["to"] == "t2":
			// upstream = t1 egress (20), downstream = t2 ingress (10).
			if edge["weight"] != float64(10) {
				t.Fatalf("expected t1->t2 weight 10, got %v", edge["weight"])
			}
		case edge["from"] == "t2" && edge["to"] == "t1":
			// upstream = t2 egress (10), downstream = t1 ingress (5).
			if edge["weight"] != float64(5) {
				t.Fatalf("expected t2->t1 weight 5, got %v", edge["weight"])
			}
		default:
			t.Fatalf("unexpected edge: %v", edge)
		}
	}

	resp = c.call(t, wire.Message{"type": "get-model", "min-bw": float64(100)})
	edges, _ = resp["edges"].([]interface{})
	if len(edges) != 0 {
		t.Fatalf("expected no edges above the segment's bandwidth, got %v", edges)
	}
}

func TestTxnCorrelation(t *testing.T) {
	b, cleanup := newTestBroker(t)
	defer cleanup()

	c, conn := newRPCClient(t, b, "netA")
	defer conn.Close()

	resp := c.call(t, wire.Message{"type": "get-terminals", "txn": "abc123"})
	if resp["txn"] != "abc123" {
		t.Fatalf("expected txn echoed, got %v", resp)
	}
}
