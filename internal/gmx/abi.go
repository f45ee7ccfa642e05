package gmx

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// GMX V2 订单类型
const (
	OrderTypeMarketIncrease uint8 = 2 // 市价加仓/开仓
	OrderTypeMarketDecrease uint8 = 4 // 市价减仓/平仓
)

// PriceScale GMX 价格精度（1e30）
// USDCDecimals USDC 精度（1e6）
const (
	PriceScaleExp   = 30
	USDCDecimalsExp = 6
	WETHDecimalsExp = 18
)

// exchangeRouterJSON ExchangeRouter 最小 ABI：multicall + sendWnt + sendTokens + createOrder
const exchangeRouterJSON = `[
  {"name":"multicall","type":"function","stateMutability":"payable",
   "inputs":[{"name":"data","type":"bytes[]"}],
   "outputs":[{"name":"results","type":"bytes[]"}]},
  {"name":"sendWnt","type":"function","stateMutability":"payable",
   "inputs":[{"name":"receiver","type":"address"},{"name":"amount","type":"uint256"}],
   "outputs":[]},
  {"name":"sendTokens","type":"function","stateMutability":"nonpayable",
   "inputs":[{"name":"token","type":"address"},{"name":"receiver","type":"address"},{"name":"amount","type":"uint256"}],
   "outputs":[]},
  {"name":"createOrder","type":"function","stateMutability":"payable",
   "inputs":[{"name":"params","type":"tuple","components":[
     {"name":"addresses","type":"tuple","components":[
       {"name":"receiver","type":"address"},
       {"name":"cancellationReceiver","type":"address"},
       {"name":"callbackContract","type":"address"},
       {"name":"uiFeeReceiver","type":"address"},
       {"name":"market","type":"address"},
       {"name":"initialCollateralToken","type":"address"},
       {"name":"swapPath","type":"address[]"}]},
     {"name":"numbers","type":"tuple","components":[
       {"name":"sizeDeltaUsd","type":"uint256"},
       {"name":"initialCollateralDeltaAmount","type":"uint256"},
       {"name":"triggerPrice","type":"uint256"},
       {"name":"acceptablePrice","type":"uint256"},
       {"name":"executionFee","type":"uint256"},
       {"name":"callbackGasLimit","type":"uint256"},
       {"name":"minOutputAmount","type":"uint256"},
       {"name":"validFromTime","type":"uint256"}]},
     {"name":"orderType","type":"uint8"},
     {"name":"decreasePositionSwapType","type":"uint8"},
     {"name":"isLong","type":"bool"},
     {"name":"shouldUnwrapNativeToken","type":"bool"},
     {"name":"autoCancel","type":"bool"},
     {"name":"referralCode","type":"bytes32"},
     {"name":"dataList","type":"bytes32[]"}]}],
   "outputs":[{"name":"orderKey","type":"bytes32"}]}
]`

// poolLogicJSON dHEDGE PoolLogic 最小 ABI
const poolLogicJSON = `[
  {"name":"execTransaction","type":"function","stateMutability":"nonpayable",
   "inputs":[{"name":"target","type":"address"},{"name":"data","type":"bytes"}],
   "outputs":[]},
  {"name":"execTransactionWithValue","type":"function","stateMutability":"payable",
   "inputs":[{"name":"target","type":"address"},{"name":"data","type":"bytes"},{"name":"value","type":"uint256"}],
   "outputs":[]},
  {"name":"totalFundValue","type":"function","stateMutability":"view",
   "inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"name":"tokenPrice","type":"function","stateMutability":"view",
   "inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"name":"poolManagerLogic","type":"function","stateMutability":"view",
   "inputs":[],"outputs":[{"name":"","type":"address"}]}
]`

// managerLogicJSON dHEDGE PoolManagerLogic 最小 ABI
const managerLogicJSON = `[
  {"name":"totalFundValue","type":"function","stateMutability":"view",
   "inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"name":"getSupportedAssets","type":"function","stateMutability":"view",
   "inputs":[],"outputs":[{"name":"","type":"tuple[]","components":[
     {"name":"asset","type":"address"},
     {"name":"isDeposit","type":"bool"}]}]}
]`

// readerJSON GMX Reader 最小 ABI：市场枚举 + 账户持仓
const readerJSON = `[
  {"name":"getMarkets","type":"function","stateMutability":"view",
   "inputs":[{"name":"dataStore","type":"address"},{"name":"start","type":"uint256"},{"name":"end","type":"uint256"}],
   "outputs":[{"name":"","type":"tuple[]","components":[
     {"name":"marketToken","type":"address"},
     {"name":"indexToken","type":"address"},
     {"name":"longToken","type":"address"},
     {"name":"shortToken","type":"address"}]}]},
  {"name":"getAccountPositions","type":"function","stateMutability":"view",
   "inputs":[{"name":"dataStore","type":"address"},{"name":"account","type":"address"},{"name":"start","type":"uint256"},{"name":"end","type":"uint256"}],
   "outputs":[{"name":"positions","type":"tuple[]","components":[
     {"name":"addresses","type":"tuple","components":[
       {"name":"account","type":"address"},
       {"name":"market","type":"address"},
       {"name":"collateralToken","type":"address"}]},
     {"name":"numbers","type":"tuple","components":[
       {"name":"sizeInUsd","type":"uint256"},
       {"name":"sizeInTokens","type":"uint256"},
       {"name":"collateralAmount","type":"uint256"},
       {"name":"borrowingFactor","type":"uint256"},
       {"name":"fundingFeeAmountPerSize","type":"uint256"},
       {"name":"longTokenClaimableFundingAmountPerSize","type":"uint256"},
       {"name":"shortTokenClaimableFundingAmountPerSize","type":"uint256"},
       {"name":"increasedAtBlock","type":"uint256"},
       {"name":"decreasedAtBlock","type":"uint256"},
       {"name":"increasedAtTime","type":"uint256"},
       {"name":"decreasedAtTime","type":"uint256"}]},
     {"name":"flags","type":"tuple","components":[
       {"name":"isLong","type":"bool"}]}]}]}
]`

// erc20JSON ERC20 最小 ABI
const erc20JSON = `[
  {"name":"balanceOf","type":"function","stateMutability":"view",
   "inputs":[{"name":"account","type":"address"}],
   "outputs":[{"name":"","type":"uint256"}]},
  {"name":"totalSupply","type":"function","stateMutability":"view",
   "inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"name":"symbol","type":"function","stateMutability":"view",
   "inputs":[],"outputs":[{"name":"","type":"string"}]}
]`

var (
	exchangeRouterABI = mustParseABI(exchangeRouterJSON)
	poolLogicABI      = mustParseABI(poolLogicJSON)
	managerLogicABI   = mustParseABI(managerLogicJSON)
	readerABI         = mustParseABI(readerJSON)
	erc20ABI          = mustParseABI(erc20JSON)
)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic("gmx: invalid abi: " + err.Error())
	}
	return parsed
}

// abiConvert 把 abi.Unpack 返回的匿名结构转换成具名类型
func abiConvert[T any](v interface{}) *T {
	return abi.ConvertType(v, new(T)).(*T)
}

// abiPacker 统一 Pack/Unpack 入口，方便按方法名做只读调用
type abiPacker interface {
	Pack(name string, args ...interface{}) ([]byte, error)
	Unpack(name string, data []byte) ([]interface{}, error)
}

// createOrderAddresses createOrder 参数：地址段
type createOrderAddresses struct {
	Receiver               common.Address
	CancellationReceiver   common.Address
	CallbackContract       common.Address
	UiFeeReceiver          common.Address
	Market                 common.Address
	InitialCollateralToken common.Address
	SwapPath               []common.Address
}

// createOrderNumbers createOrder 参数：数值段
type createOrderNumbers struct {
	SizeDeltaUsd                 *big.Int
	InitialCollateralDeltaAmount *big.Int
	TriggerPrice                 *big.Int
	AcceptablePrice              *big.Int
	ExecutionFee                 *big.Int
	CallbackGasLimit             *big.Int
	MinOutputAmount              *big.Int
	ValidFromTime                *big.Int
}

// createOrderParams createOrder 完整参数（字段顺序与 ABI tuple 一致）
type createOrderParams struct {
	Addresses                createOrderAddresses
	Numbers                  createOrderNumbers
	OrderType                uint8
	DecreasePositionSwapType uint8
	IsLong                   bool
	ShouldUnwrapNativeToken  bool
	AutoCancel               bool
	ReferralCode             [32]byte
	DataList                 [][32]byte
}
