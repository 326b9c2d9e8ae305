// Package discovery advertises a listening dock over multicast DNS so a
// Newton on the local network can find the desktop without a typed address.
//
// The service is published as _newton-dock._tcp with PTR, SRV, TXT and A
// records, re-announced periodically and withdrawn with a goodbye packet:
//
//	adv := discovery.NewAdvertiser(discovery.NewService("", 3679))
//	if err := adv.Start(); err != nil {
//		return err
//	}
//	defer adv.Stop()
package discovery
