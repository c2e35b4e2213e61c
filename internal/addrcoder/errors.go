package addrcoder

import "errors"

// ErrTooManyPeers is returned by GenIP4Social once the social peer count
// would overflow the /24's last octet (MaxSocialPeers). The original
// treats this as unrecoverable: there is no next address to hand out.
var ErrTooManyPeers = errors.New("addrcoder: too many social peers for a /24")
