package main

import (
	"net/http"
	"os"

	"go.uber.org/zap"

	"cborpc/config"
	"cborpc/fileproto"
	"cborpc/server"
	"cborpc/transport"
	"cborpc/transport/ws"
)

// newMux mounts the RPC endpoint and, when enabled, the file endpoint.
func newMux(cfg *config.Config, srv *server.Server, log *zap.Logger) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle(cfg.Listen.WSPath, srv.WSHandler())
	if cfg.Files.Enabled {
		files := fileproto.NewServer(os.DirFS(cfg.Files.Root),
			fileproto.WithLogger(log.Named("files")),
			fileproto.WithMaxFileSize(cfg.Files.MaxSize),
			fileproto.WithIndexNames(cfg.Files.IndexNames...),
		)
		mux.Handle(cfg.Files.Path, filesHandler(files, log))
		log.Info("serving files", zap.String("root", cfg.Files.Root), zap.String("path", cfg.Files.Path))
	}
	return mux
}

func filesHandler(files *fileproto.Server, log *zap.Logger) http.Handler {
	up := ws.NewUpgrader(ws.DefaultOptions(), nil)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		link, err := up.Upgrade(w, r)
		if err != nil {
			log.Debug("file upgrade failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
			return
		}
		tr := transport.NewStatic(link)
		go func() {
			defer tr.Close()
			files.Serve(tr)
		}()
	})
}

// connect dials out to a websocket peer and serves the table over that
// link for as long as the process runs, redialing whenever it drops.
func connect(srv *server.Server, url string, log *zap.Logger) (*transport.Reconnecting, error) {
	tr := transport.NewReconnecting(ws.Dial(url, ws.DefaultOptions()), transport.DefaultReconnectConfig(), log.Named("connect"))
	if _, err := srv.ServeTransport(tr, url); err != nil {
		return nil, err
	}
	log.Info("serving outbound connection", zap.String("url", url))
	return tr, nil
}
