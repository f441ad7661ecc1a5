package rpc

import runcontrol "github.com/goliatone/go-runcontrol"

// MetaFromToken carries a run control token in the request metadata.
func MetaFromToken(token runcontrol.Token) RequestMeta {
	return RequestMeta{ActorID: token.UserName, Token: token.Token}
}

// RunControlToken is the inverse of MetaFromToken.
func (m RequestMeta) RunControlToken() runcontrol.Token {
	return runcontrol.Token{Token: m.Token, UserName: m.ActorID}
}
