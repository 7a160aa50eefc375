package contracts

// Built-in ABI fragments for the contracts the keeper talks to. Full build
// artifacts placed in an abi_dirs entry under the same name replace these.
const (
	RaffleABI = `[
	{"type":"event","name":"SeasonStarted","inputs":[
		{"name":"seasonId","type":"uint256","indexed":true}]},
	{"type":"event","name":"SeasonCompleted","inputs":[
		{"name":"seasonId","type":"uint256","indexed":true}]},
	{"type":"function","name":"currentSeasonId","stateMutability":"view","inputs":[],"outputs":[
		{"name":"","type":"uint256"}]},
	{"type":"function","name":"getSeasonDetails","stateMutability":"view","inputs":[
		{"name":"seasonId","type":"uint256"}],"outputs":[
		{"name":"name","type":"string"},
		{"name":"startTime","type":"uint256"},
		{"name":"endTime","type":"uint256"},
		{"name":"raffleToken","type":"address"},
		{"name":"bondingCurve","type":"address"},
		{"name":"status","type":"uint8"},
		{"name":"totalParticipants","type":"uint256"},
		{"name":"totalTickets","type":"uint256"}]},
	{"type":"function","name":"getWinners","stateMutability":"view","inputs":[
		{"name":"seasonId","type":"uint256"}],"outputs":[
		{"name":"","type":"address[]"}]},
	{"type":"function","name":"startSeason","stateMutability":"nonpayable","inputs":[
		{"name":"seasonId","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"requestSeasonEnd","stateMutability":"nonpayable","inputs":[
		{"name":"seasonId","type":"uint256"}],"outputs":[]}
]`

	BondingCurveABI = `[
	{"type":"event","name":"PositionUpdate","inputs":[
		{"name":"seasonId","type":"uint256","indexed":true},
		{"name":"player","type":"address","indexed":true},
		{"name":"oldTickets","type":"uint256","indexed":false},
		{"name":"newTickets","type":"uint256","indexed":false},
		{"name":"totalTickets","type":"uint256","indexed":false},
		{"name":"probabilityBps","type":"uint256","indexed":false}]},
	{"type":"function","name":"getBondSteps","stateMutability":"view","inputs":[],"outputs":[
		{"name":"","type":"tuple[]","components":[
			{"name":"rangeTo","type":"uint128"},
			{"name":"price","type":"uint128"}]}]}
]`

	MarketFactoryABI = `[
	{"type":"event","name":"MarketCreated","inputs":[
		{"name":"seasonId","type":"uint256","indexed":true},
		{"name":"player","type":"address","indexed":true},
		{"name":"marketType","type":"bytes32","indexed":true},
		{"name":"marketId","type":"uint256","indexed":false},
		{"name":"marketAddress","type":"address","indexed":false}]},
	{"type":"function","name":"createMarket","stateMutability":"nonpayable","inputs":[
		{"name":"seasonId","type":"uint256"},
		{"name":"player","type":"address"},
		{"name":"marketType","type":"bytes32"}],"outputs":[]},
	{"type":"function","name":"resolveSeasonMarkets","stateMutability":"nonpayable","inputs":[
		{"name":"seasonId","type":"uint256"},
		{"name":"winner","type":"address"}],"outputs":[]}
]`

	MarketABI = `[
	{"type":"event","name":"Trade","inputs":[
		{"name":"trader","type":"address","indexed":true},
		{"name":"buyYes","type":"bool","indexed":false},
		{"name":"amountIn","type":"uint256","indexed":false},
		{"name":"sharesOut","type":"uint256","indexed":false}]},
	{"type":"function","name":"getPrices","stateMutability":"view","inputs":[],"outputs":[
		{"name":"yesBps","type":"uint256"},
		{"name":"noBps","type":"uint256"}]}
]`

	OracleABI = `[
	{"type":"function","name":"updateRaffleProbability","stateMutability":"nonpayable","inputs":[
		{"name":"market","type":"address"},
		{"name":"probabilityBps","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"updateMarketSentiment","stateMutability":"nonpayable","inputs":[
		{"name":"market","type":"address"},
		{"name":"sentimentBps","type":"uint256"}],"outputs":[]}
]`
)
