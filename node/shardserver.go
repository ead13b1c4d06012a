package node

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/gorilla/mux"
	"go.opencensus.io/stats"
	"golang.org/x/crypto/ripemd160"

	core "github.com/shardbay/go-node-core"
	"github.com/shardbay/go-node-core/metrics"
)

// ShardServer serves the node's HTTP surface: the identity handshake, the
// overlay RPC ingress, and token-gated shard uploads and downloads. Bulk
// shard bytes flow here, bypassing the overlay.
type ShardServer struct {
	node   *Node
	router *mux.Router

	// RPCHandler, when set by the transport, receives POST /rpc/ requests.
	RPCHandler http.Handler

	// OnShardUploaded and OnShardDownloaded are invoked after a completed
	// transfer.
	OnShardUploaded   func(*core.Contract)
	OnShardDownloaded func(hash string)
}

func newShardServer(n *Node) *ShardServer {
	s := &ShardServer{node: n}
	r := mux.NewRouter()
	r.HandleFunc("/", s.handleIdentify).Methods(http.MethodGet)
	r.HandleFunc("/rpc/", s.handleRPC).Methods(http.MethodPost)
	r.HandleFunc("/shards/{hash}", s.handleUpload).Methods(http.MethodPost)
	r.HandleFunc("/shards/{hash}", s.handleDownload).Methods(http.MethodGet)
	r.PathPrefix("/shards/").HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	})
	s.router = r
	return s
}

// ServeHTTP implements http.Handler with permissive CORS on every route.
func (s *ShardServer) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", "*")
	h.Set("Access-Control-Allow-Headers", "*")
	if req.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}
	s.router.ServeHTTP(w, req)
}

// handleIdentify answers the unauthenticated handshake with this node's
// identity and contact tuple.
func (s *ShardServer) handleIdentify(w http.ResponseWriter, req *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.node.contact); err != nil {
		log.Debugw("identify write failed", "err", err)
	}
}

func (s *ShardServer) handleRPC(w http.ResponseWriter, req *http.Request) {
	if s.RPCHandler == nil {
		http.Error(w, "RPC ingress not attached", http.StatusNotFound)
		return
	}
	s.RPCHandler.ServeHTTP(w, req)
}

// handleUpload streams a shard into the store: token check, contract lookup,
// bounded copy with a running SHA256, and a final content address check.
// Failures remove the partial shard.
func (s *ShardServer) handleUpload(w http.ResponseWriter, req *http.Request) {
	hash := mux.Vars(req)["hash"]
	token := req.URL.Query().Get("token")

	if _, err := s.node.tokens.Authorize(token, hash); err != nil {
		http.Error(w, "Not authorized", http.StatusUnauthorized)
		return
	}
	contract, found, err := s.node.contracts.GetByShard(hash)
	if err != nil || !found {
		http.Error(w, "Contract not found", http.StatusNotFound)
		return
	}

	writer, err := s.node.shards.CreateWriteStream(hash)
	if err != nil {
		http.Error(w, "Cannot open shard store", http.StatusInternalServerError)
		return
	}

	hasher := sha256.New()
	var received int64
	buf := make([]byte, 32*1024)
	for {
		nr, rerr := req.Body.Read(buf)
		if nr > 0 {
			received += int64(nr)
			if received > contract.DataSize() {
				s.discardUpload(writer, hash)
				http.Error(w, "Shard exceeds size defined in contract", http.StatusBadRequest)
				return
			}
			hasher.Write(buf[:nr])
			if _, werr := writer.Write(buf[:nr]); werr != nil {
				s.discardUpload(writer, hash)
				http.Error(w, "Cannot write shard", http.StatusInternalServerError)
				return
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			s.discardUpload(writer, hash)
			http.Error(w, "Transfer interrupted", http.StatusBadRequest)
			return
		}
	}

	rip := ripemd160.New()
	rip.Write(hasher.Sum(nil))
	if fmt.Sprintf("%x", rip.Sum(nil)) != hash {
		s.discardUpload(writer, hash)
		http.Error(w, "Hash does not match contract", http.StatusBadRequest)
		return
	}
	if err := writer.Commit(); err != nil {
		http.Error(w, "Cannot commit shard", http.StatusInternalServerError)
		return
	}

	s.node.tokens.Reject(token)
	stats.Record(context.Background(), metrics.ShardUploadBytes.M(received))
	log.Debugw("shard uploaded", "hash", hash, "bytes", received)
	if s.OnShardUploaded != nil {
		s.OnShardUploaded(contract)
	}
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "Consignment completed")
}

func (s *ShardServer) discardUpload(writer core.ShardWriter, hash string) {
	if err := writer.Abort(); err != nil {
		log.Warnw("failed to discard partial shard", "hash", hash, "err", err)
	}
	// Drop any previously committed bytes for this hash as well; an upload
	// that failed its checks must not leave the shard behind.
	if err := s.node.shards.Unlink(hash); err != nil {
		log.Debugw("unlink after failed upload", "hash", hash, "err", err)
	}
}

// handleDownload streams shard bytes out. The token is revoked only after a
// completed transfer; a failed stream is terminated mid-response.
func (s *ShardServer) handleDownload(w http.ResponseWriter, req *http.Request) {
	hash := mux.Vars(req)["hash"]
	token := req.URL.Query().Get("token")

	if _, err := s.node.tokens.Authorize(token, hash); err != nil {
		http.Error(w, "Not authorized", http.StatusUnauthorized)
		return
	}
	reader, err := s.node.shards.CreateReadStream(hash)
	if err != nil {
		http.Error(w, "Shard not found", http.StatusNotFound)
		return
	}
	defer reader.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	sent, err := io.Copy(w, reader)
	if err != nil {
		// Headers are gone; all we can do is cut the stream short.
		log.Debugw("shard download interrupted", "hash", hash, "err", err)
		return
	}
	s.node.tokens.Reject(token)
	stats.Record(context.Background(), metrics.ShardDownloadBytes.M(sent))
	log.Debugw("shard downloaded", "hash", hash, "bytes", sent)
	if s.OnShardDownloaded != nil {
		s.OnShardDownloaded(hash)
	}
}
