package openapitest

import "github.com/STTM-NSU/trading-gateway/internal/broker/openapi"

// AcceptAuth scripts a successful application handshake, account discovery
// returning accounts and account authorization for any of them.
func (s *Server) AcceptAuth(accounts ...openapi.CtidTraderAccount) {
	s.Handle(openapi.ApplicationAuthReq, func(s *Server, req openapi.Message) {
		s.Reply(req, openapi.ApplicationAuthRes, struct{}{})
	})
	s.Handle(openapi.AccountListByTokenReq, func(s *Server, req openapi.Message) {
		var body openapi.AccountListByToken
		_ = req.Decode(&body)
		s.Reply(req, openapi.AccountListByTokenRes, openapi.AccountListByToken{
			AccessToken:       body.AccessToken,
			CtidTraderAccount: accounts,
		})
	})
	s.Handle(openapi.AccountAuthReq, func(s *Server, req openapi.Message) {
		var body openapi.AccountAuth
		_ = req.Decode(&body)
		s.Reply(req, openapi.AccountAuthRes, openapi.AccountAuth{CtidTraderAccountID: body.CtidTraderAccountID})
	})
}

// AcceptSpots acknowledges every spot subscribe and unsubscribe request.
func (s *Server) AcceptSpots() {
	s.Handle(openapi.SubscribeSpotsReq, func(s *Server, req openapi.Message) {
		s.Reply(req, openapi.SubscribeSpotsRes, struct{}{})
	})
	s.Handle(openapi.UnsubscribeSpotsReq, func(s *Server, req openapi.Message) {
		s.Reply(req, openapi.UnsubscribeSpotsRes, struct{}{})
	})
}
