/*
Package blocking provides a blocking interface to an asynchronous directory
session.

A Conn owns a Driver and the session it drives. Every method checks the
driver out, starts one session step and waits for it. The driver is never
shared: a call made while another is in progress, for example from a second
goroutine or from an EntryStream of the same Conn, fails immediately with
ldap.ErrExclusiveAccess instead of waiting.

Options for the next operation are set with WithSearchOptions, WithControls
and WithTimeout and apply to that operation only:

	res, err := conn.WithTimeout(5*time.Second).
		WithSearchOptions(&ldap.SearchOptions{SizeLimit: 100}).
		Search(ctx, "dc=example,dc=com", ldap.ScopeWholeSubtree, "(uid=*)", "cn")

Streaming searches return an EntryStream:

	stream, err := conn.StreamingSearch(ctx, base, ldap.ScopeWholeSubtree, "(objectClass=*)")
	if err != nil {
		return err
	}
	defer stream.Close()

	for {
		entry, err := stream.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		fmt.Println(entry.DN)
	}

	res, err := stream.Finish(ctx)
*/
package blocking
