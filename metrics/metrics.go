package metrics

import (
	"time"

	"go.opencensus.io/stats"
	"go.opencensus.io/stats/view"
	"go.opencensus.io/tag"
)

// Keys
var (
	Verb, _ = tag.NewKey("verb")
)

// Measures
var (
	RPCHandled = stats.Int64("node/rpc_handled", "Number of overlay RPCs handled", stats.UnitDimensionless)
	RPCErrors  = stats.Int64("node/rpc_errors", "Number of overlay RPCs that returned an error", stats.UnitDimensionless)
	RPCLatency = stats.Float64("node/rpc_latency", "Time spent handling a single overlay RPC", stats.UnitMilliseconds)

	ShardUploadBytes   = stats.Int64("node/shard_upload_bytes", "Shard bytes accepted over HTTP", stats.UnitBytes)
	ShardDownloadBytes = stats.Int64("node/shard_download_bytes", "Shard bytes served over HTTP", stats.UnitBytes)

	ProofLatency = stats.Float64("node/proof_latency", "Time spent streaming one audit proof", stats.UnitMilliseconds)

	ActiveTokens   = stats.Int64("node/active_tokens", "Number of live transfer tokens", stats.UnitDimensionless)
	OffersAdmitted = stats.Int64("node/offers_admitted", "Offers admitted to an offer stream", stats.UnitDimensionless)
	OffersRejected = stats.Int64("node/offers_rejected", "Offers rejected by admission policy", stats.UnitDimensionless)

	ContractStoreSize = stats.Int64("node/contract_store_size", "Bytes of storage used by the contract store", stats.UnitBytes)
)

// Views
var (
	rpcHandledView = &view.View{
		Measure:     RPCHandled,
		Aggregation: view.Count(),
		TagKeys:     []tag.Key{Verb},
	}
	rpcErrorsView = &view.View{
		Measure:     RPCErrors,
		Aggregation: view.Count(),
		TagKeys:     []tag.Key{Verb},
	}
	rpcLatencyView = &view.View{
		Measure:     RPCLatency,
		Aggregation: view.Distribution(0, 1, 10, 20, 30, 40, 50, 60, 70, 80, 90, 100, 200, 300, 400, 500, 1000, 2000, 5000),
		TagKeys:     []tag.Key{Verb},
	}
	shardUploadBytesView = &view.View{
		Measure:     ShardUploadBytes,
		Aggregation: view.Sum(),
	}
	shardDownloadBytesView = &view.View{
		Measure:     ShardDownloadBytes,
		Aggregation: view.Sum(),
	}
	proofLatencyView = &view.View{
		Measure:     ProofLatency,
		Aggregation: view.Distribution(0, 10, 20, 50, 70, 100, 200, 300, 400, 500, 1000, 2000, 3000, 5000, 7000, 10_000, 30_000, 60_000),
	}
	activeTokensView = &view.View{
		Measure:     ActiveTokens,
		Aggregation: view.LastValue(),
	}
	offersAdmittedView = &view.View{
		Measure:     OffersAdmitted,
		Aggregation: view.Sum(),
	}
	offersRejectedView = &view.View{
		Measure:     OffersRejected,
		Aggregation: view.Sum(),
	}
	contractStoreSizeView = &view.View{
		Measure:     ContractStoreSize,
		Aggregation: view.LastValue(),
	}
)

// DefaultViews with all views in it.
var DefaultViews = []*view.View{
	rpcHandledView,
	rpcErrorsView,
	rpcLatencyView,
	shardUploadBytesView,
	shardDownloadBytesView,
	proofLatencyView,
	activeTokensView,
	offersAdmittedView,
	offersRejectedView,
	contractStoreSizeView,
}

func MsecSince(startTime time.Time) float64 {
	return float64(time.Since(startTime).Nanoseconds()) / 1e6
}
