// Package gitd serves git repositories over the git:// protocol.
//
// A Server resolves request paths against a set of export directories,
// dispatches git-upload-pack and git-receive-pack sessions through a
// configurable service registry and, in leader mode, gates every push
// through the repository's elected leader. The leader replicates accepted
// pushes to the followers listed in the repository's [replica] config
// section over the peer API before any ref moves.
//
// Embed a server with StartServer:
//
//	srv, stop, err := gitd.StartServer(ctx, gitd.Config{
//		Directories: []string{"/srv/git"},
//		Enable:      []string{"receive-pack"},
//	})
//	if err != nil {
//		return err
//	}
//	defer stop(context.Background())
//	log.Printf("listening on %s", srv.ListenerAddr())
package gitd
